package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/MaxtuneLee/webcodecs-container/internal/keying"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
)

// RespondJSON sends a JSON response with the given status code and data
func RespondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// errorStatus maps pipeline errors to HTTP status codes
func errorStatus(err error) int {
	if media.KindOf(err) == media.KindConfiguration {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// keyingFromValues overrides cfg with the key_color, similarity,
// smoothness and spill values present in get
func keyingFromValues(cfg keying.Config, get func(string) string) (keying.Config, error) {
	if s := get("key_color"); s != "" {
		key, err := keying.ParseKeyColor(s)
		if err != nil {
			return cfg, err
		}
		cfg.KeyColor = key
	}
	for name, dst := range map[string]*float64{
		"similarity": &cfg.Similarity,
		"smoothness": &cfg.Smoothness,
		"spill":      &cfg.Spill,
	} {
		s := get(name)
		if s == "" {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid %s", name)
		}
		*dst = v
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
