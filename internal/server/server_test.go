package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxtuneLee/webcodecs-container/internal/container"
	"github.com/MaxtuneLee/webcodecs-container/internal/demux"
	"github.com/MaxtuneLee/webcodecs-container/internal/engine/enginetest"
	"github.com/MaxtuneLee/webcodecs-container/internal/export"
	"github.com/MaxtuneLee/webcodecs-container/internal/keying"
	"github.com/MaxtuneLee/webcodecs-container/internal/media"
	"github.com/MaxtuneLee/webcodecs-container/internal/mux"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestServer(t *testing.T, mods ...func(*export.Options)) (*ExportServer, *httptest.Server) {
	t.Helper()
	opts := export.Options{
		Output: media.EncoderConfig{
			Codec:     enginetest.Codec,
			Width:     16,
			Height:    8,
			Bitrate:   1_000_000,
			FrameRate: 24,
		},
		RenderTick: -1,
		MuxTick:    20 * time.Microsecond,
		NewDecoder: func() media.Decoder { return enginetest.NewDecoder() },
		NewEncoder: func() media.Encoder { return enginetest.NewEncoder() },
		Logger:     testLogger(),
	}
	for _, mod := range mods {
		mod(&opts)
	}
	s := NewExportServer("127.0.0.1:0", opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func fixture(frames int, c color.NRGBA) []byte {
	return enginetest.MP4(frames, enginetest.MP4Options{Width: 16, Height: 8}, func(int) color.NRGBA { return c })
}

func multipartBody(t *testing.T, files map[string][]byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, data := range files {
		fw, err := mw.CreateFormFile(name, name+".mp4")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func countChunks(t *testing.T, data []byte) int {
	t.Helper()
	d, err := demux.Open(media.TrackBase, bytes.NewReader(data), testLogger())
	require.NoError(t, err)
	n := 0
	require.NoError(t, d.Run(context.Background(), demux.Handler{
		OnChunk: func(media.Chunk) error { n++; return nil },
	}))
	return n
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["active_exports"])
}

func TestCreateExport(t *testing.T) {
	_, ts := newTestServer(t)
	body, contentType := multipartBody(t, map[string][]byte{
		"base":   fixture(24, color.NRGBA{R: 255, A: 255}),
		"effect": fixture(5, color.NRGBA{G: 255, A: 255}),
	}, map[string]string{"key_color": "#00ff00", "similarity": "0.2"})

	resp, err := http.Post(ts.URL+"/v1/exports", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Export-Id"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 24, countChunks(t, data))
}

func TestCreateExportRejectsBadRequests(t *testing.T) {
	_, ts := newTestServer(t)

	cases := map[string]struct {
		files  map[string][]byte
		fields map[string]string
	}{
		"missing effect": {
			files: map[string][]byte{"base": fixture(2, color.NRGBA{A: 255})},
		},
		"invalid keying": {
			files: map[string][]byte{
				"base":   fixture(2, color.NRGBA{A: 255}),
				"effect": fixture(2, color.NRGBA{A: 255}),
			},
			fields: map[string]string{"spill": "-1"},
		},
		"not a video": {
			files: map[string][]byte{
				"base":   []byte("nope"),
				"effect": []byte("nope"),
			},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body, contentType := multipartBody(t, tc.files, tc.fields)
			resp, err := http.Post(ts.URL+"/v1/exports", contentType, body)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestCancelUnknownExport(t *testing.T) {
	_, ts := newTestServer(t)
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/exports/does-not-exist", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/exports")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.EqualValues(t, 0, list["count"])
}

// stalledDecoder never finishes a chunk until its context ends.
type stalledDecoder struct {
	*enginetest.Decoder
}

func (d stalledDecoder) Decode(ctx context.Context, chunk media.Chunk) error {
	<-ctx.Done()
	return ctx.Err()
}

func listExports(t *testing.T, url string) []exportInfo {
	t.Helper()
	resp, err := http.Get(url + "/v1/exports")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list struct {
		Exports []exportInfo `json:"exports"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	return list.Exports
}

func TestCancelExportWhileDecoding(t *testing.T) {
	_, ts := newTestServer(t, func(o *export.Options) {
		o.NewDecoder = func() media.Decoder { return stalledDecoder{enginetest.NewDecoder()} }
	})

	body, contentType := multipartBody(t, map[string][]byte{
		"base":   fixture(12, color.NRGBA{R: 255, A: 255}),
		"effect": fixture(3, color.NRGBA{G: 255, A: 255}),
	}, nil)

	type result struct {
		status int
		body   string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/v1/exports", contentType, body)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		done <- result{status: resp.StatusCode, body: string(data), err: err}
	}()

	var listed []exportInfo
	require.Eventually(t, func() bool {
		listed = listExports(t, ts.URL)
		return len(listed) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "decoding", listed[0].Phase)
	assert.Equal(t, "http", listed[0].Transport)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/exports/"+listed[0].ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, http.StatusInternalServerError, res.status)
		assert.Contains(t, res.body, "context canceled")
	case <-time.After(5 * time.Second):
		t.Fatal("export did not stop after cancel")
	}
	assert.Empty(t, listExports(t, ts.URL))
}

func TestAttachAfterCancel(t *testing.T) {
	s, _ := newTestServer(t)
	stopped := 0
	s.register("a", "http", func() { stopped++ })

	info, ok := s.info("a")
	require.True(t, ok)
	assert.Equal(t, "decoding", info.Phase)

	require.True(t, s.cancel("a"))
	assert.Equal(t, 1, stopped)

	session := mux.New(container.NewWriter(), testLogger()).NewSession()
	s.attach("a", session)
	select {
	case <-session.Done():
	default:
		t.Fatal("session attached to a cancelled export should be cancelled")
	}
	info, _ = s.info("a")
	assert.Equal(t, "cancelled", info.Phase)

	s.unregister("a")
	assert.False(t, s.cancel("a"))
}

func TestExportWebSocket(t *testing.T) {
	_, ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/exports/ws?smoothness=0.05"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, fixture(12, color.NRGBA{R: 255, A: 255})))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, fixture(3, color.NRGBA{G: 255, A: 255})))

	var out bytes.Buffer
	var status wsStatus
	for {
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if msgType == websocket.TextMessage {
			require.NoError(t, json.Unmarshal(data, &status))
			break
		}
		out.Write(data)
	}

	assert.Equal(t, "done", status.Status)
	assert.NotEmpty(t, status.ID)
	assert.Equal(t, 12, countChunks(t, out.Bytes()))
}

func TestKeyingFromValues(t *testing.T) {
	values := map[string]string{"key_color": "0,0,255", "spill": "0.4"}
	cfg, err := keyingFromValues(keying.DefaultConfig(), func(k string) string { return values[k] })
	require.NoError(t, err)
	assert.Equal(t, uint8(255), cfg.KeyColor.B)
	assert.InDelta(t, 0.4, cfg.Spill, 1e-9)
	assert.InDelta(t, 0.18, cfg.Similarity, 1e-9)

	values["similarity"] = "abc"
	_, err = keyingFromValues(keying.DefaultConfig(), func(k string) string { return values[k] })
	assert.Error(t, err)
}

func TestErrorStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, errorStatus(media.ConfigurationError("x", assert.AnError)))
	assert.Equal(t, http.StatusInternalServerError, errorStatus(media.EncodeError("x", assert.AnError)))
}
