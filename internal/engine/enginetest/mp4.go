package enginetest

import (
	"encoding/binary"
	"image/color"
)

// MP4Options describes a progressive MP4 fixture.
type MP4Options struct {
	Width          int
	Height         int
	Timescale      uint32
	SampleDuration uint32
	GOP            int
}

// MP4 builds a progressive MP4 with one H.264 track of Payload samples.
// colorAt picks the color of sample i.
func MP4(frames int, opts MP4Options, colorAt func(i int) color.NRGBA) []byte {
	if opts.Timescale == 0 {
		opts.Timescale = 90000
	}
	if opts.SampleDuration == 0 {
		opts.SampleDuration = opts.Timescale / 24
	}
	if opts.GOP <= 0 {
		opts.GOP = 24
	}

	payloads := make([][]byte, frames)
	for i := range payloads {
		payloads[i] = Payload(colorAt(i), i%opts.GOP == 0)
	}

	ftyp := mkBox("ftyp", []byte("isom"), u32(512), []byte("isom"), []byte("avc1"))
	moov := buildMoov(payloads, opts, 0)
	offset := uint32(len(ftyp) + len(moov) + 8)
	moov = buildMoov(payloads, opts, offset)

	var mdat []byte
	for _, p := range payloads {
		mdat = append(mdat, p...)
	}

	out := append(ftyp, moov...)
	return append(out, mkBox("mdat", mdat)...)
}

func buildMoov(payloads [][]byte, opts MP4Options, chunkOffset uint32) []byte {
	duration := uint32(len(payloads)) * opts.SampleDuration

	mvhd := mkBox("mvhd", fullBox(0, 0),
		u32(0), u32(0), u32(opts.Timescale), u32(duration),
		u32(0x00010000), u16(0x0100), make([]byte, 10),
		identityMatrix(), make([]byte, 24), u32(2))

	tkhd := mkBox("tkhd", fullBox(0, 3),
		u32(0), u32(0), u32(1), u32(0), u32(duration),
		make([]byte, 8), u16(0), u16(0), u16(0), u16(0),
		identityMatrix(), u32(uint32(opts.Width)<<16), u32(uint32(opts.Height)<<16))

	mdhd := mkBox("mdhd", fullBox(0, 0),
		u32(0), u32(0), u32(opts.Timescale), u32(duration), u16(0x55c4), u16(0))

	hdlr := mkBox("hdlr", fullBox(0, 0),
		u32(0), []byte("vide"), make([]byte, 12), []byte("VideoHandler\x00"))

	avc1 := mkBox("avc1",
		make([]byte, 6), u16(1), u16(0), u16(0), make([]byte, 12),
		u16(uint16(opts.Width)), u16(uint16(opts.Height)),
		u32(0x00480000), u32(0x00480000), u32(0), u16(1),
		make([]byte, 32), u16(0x0018), u16(0xffff),
		mkBox("avcC", AVCC()))

	stsd := mkBox("stsd", fullBox(0, 0), u32(1), avc1)
	stts := mkBox("stts", fullBox(0, 0), u32(1), u32(uint32(len(payloads))), u32(opts.SampleDuration))
	stsc := mkBox("stsc", fullBox(0, 0), u32(1), u32(1), u32(uint32(len(payloads))), u32(1))

	sizes := [][]byte{fullBox(0, 0), u32(0), u32(uint32(len(payloads)))}
	for _, p := range payloads {
		sizes = append(sizes, u32(uint32(len(p))))
	}
	stsz := mkBox("stsz", sizes...)
	stco := mkBox("stco", fullBox(0, 0), u32(1), u32(chunkOffset))

	stbl := mkBox("stbl", stsd, stts, stsc, stsz, stco)
	minf := mkBox("minf", stbl)
	mdia := mkBox("mdia", mdhd, hdlr, minf)
	trak := mkBox("trak", tkhd, mdia)
	return mkBox("moov", mvhd, trak)
}

func mkBox(typ string, parts ...[]byte) []byte {
	size := 8
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	out = binary.BigEndian.AppendUint32(out, uint32(size))
	out = append(out, typ...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func fullBox(version byte, flags uint32) []byte {
	return []byte{version, byte(flags >> 16), byte(flags >> 8), byte(flags)}
}

func u32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
func u16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }

func identityMatrix() []byte {
	var m []byte
	for _, v := range []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000} {
		m = append(m, u32(v)...)
	}
	return m
}
