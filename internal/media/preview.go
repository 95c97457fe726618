package media

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
)

// Preview turns a remote participant's VP8 video and Opus audio into a live
// WebM byte stream. Every message handed to a subscriber is either the init
// segment or one complete cluster, ready for Media Source Extensions.

// EBML element IDs used by the muxer.
var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTimecodeScl  = []byte{0x2A, 0xD7, 0xB1}
	idMuxingApp    = []byte{0x4D, 0x80}
	idWritingApp   = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNumber  = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrivate = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelWidth   = []byte{0xB0}
	idPixelHeight  = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSamplingFreq = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// unknownSize marks the streaming Segment whose length is never known.
var unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// opusHead is the codec private block for mono 48 kHz Opus.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,       // version
	0x01,       // channels
	0x38, 0x01, // pre-skip 312, little endian
	0x80, 0xBB, 0x00, 0x00, // 48000 Hz
	0x00, 0x00, // output gain
	0x00, // mapping family
}

const (
	videoTrack = 1
	audioTrack = 2

	// maxPendingAudio caps queued Opus frames while no video arrives.
	maxPendingAudio = 250
)

// vint encodes an element size as an EBML variable-length integer of up to
// four bytes.
func vint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// uintBytes is v in the fewest big-endian bytes.
func uintBytes(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var b []byte
	for ; v > 0; v >>= 8 {
		b = append([]byte{byte(v)}, b...)
	}
	return b
}

// element encodes id, the size of the joined body, then the body.
func element(id []byte, body ...[]byte) []byte {
	n := 0
	for _, b := range body {
		n += len(b)
	}
	out := make([]byte, 0, len(id)+4+n)
	out = append(out, id...)
	out = append(out, vint(uint64(n))...)
	for _, b := range body {
		out = append(out, b...)
	}
	return out
}

func initSegment(width, height uint16, withAudio bool) []byte {
	var buf bytes.Buffer
	buf.Write(element(idEBML,
		element(idEBMLVersion, uintBytes(1)),
		element(idEBMLReadVer, uintBytes(1)),
		element(idEBMLMaxIDLen, uintBytes(4)),
		element(idEBMLMaxSzLen, uintBytes(8)),
		element(idDocType, []byte("webm")),
		element(idDocTypeVer, uintBytes(2)),
		element(idDocTypeRdVer, uintBytes(2)),
	))
	buf.Write(idSegment)
	buf.Write(unknownSize)
	buf.Write(element(idInfo,
		element(idTimecodeScl, uintBytes(1_000_000)),
		element(idMuxingApp, []byte("goopcall")),
		element(idWritingApp, []byte("goopcall")),
	))

	tracks := [][]byte{element(idTrackEntry,
		element(idTrackNumber, uintBytes(videoTrack)),
		element(idTrackUID, uintBytes(videoTrack)),
		element(idTrackType, uintBytes(1)),
		element(idCodecID, []byte("V_VP8")),
		element(idVideo,
			element(idPixelWidth, uintBytes(uint64(width))),
			element(idPixelHeight, uintBytes(uint64(height))),
		),
	)}
	if withAudio {
		freq := make([]byte, 4)
		binary.BigEndian.PutUint32(freq, math.Float32bits(48000))
		tracks = append(tracks, element(idTrackEntry,
			element(idTrackNumber, uintBytes(audioTrack)),
			element(idTrackUID, uintBytes(audioTrack)),
			element(idTrackType, uintBytes(2)),
			element(idCodecID, []byte("A_OPUS")),
			element(idCodecPrivate, opusHead),
			element(idAudio,
				element(idSamplingFreq, freq),
				element(idChannels, uintBytes(1)),
			),
		))
	}
	buf.Write(element(idTracks, tracks...))
	return buf.Bytes()
}

func simpleBlock(track int, rel int16, key bool, frame []byte) []byte {
	hdr := append(vint(uint64(track)), 0, 0, 0)
	n := len(hdr)
	binary.BigEndian.PutUint16(hdr[n-3:], uint16(rel))
	if key {
		hdr[n-1] = 0x80
	}
	return element(idSimpleBlock, hdr, frame)
}

func cluster(startMs int64, blocks []byte) []byte {
	return element(idCluster, element(idTimecode, uintBytes(uint64(startMs))), blocks)
}

// vp8Size reads the frame size from a VP8 keyframe header.
func vp8Size(frame []byte) (uint16, uint16, bool) {
	if len(frame) < 10 || frame[3] != 0x9D || frame[4] != 0x01 || frame[5] != 0x2A {
		return 0, 0, false
	}
	w := binary.LittleEndian.Uint16(frame[6:8]) & 0x3FFF
	h := binary.LittleEndian.Uint16(frame[8:10]) & 0x3FFF
	return w, h, true
}

type audioFrame struct {
	ms   int64
	data []byte
}

type Preview struct {
	name string

	mu       sync.Mutex
	closed   bool
	audio    bool
	init     []byte
	lastKey  []byte
	subs     map[chan []byte]struct{}
	pending  []audioFrame
	videoT0  int64
	audioT0  int64
	hasVideo bool
	hasAudio bool
}

func newPreview(name string) *Preview {
	return &Preview{name: name, subs: make(map[chan []byte]struct{})}
}

// enableAudio adds the Opus track; it only has effect before the first
// keyframe produced the init segment.
func (p *Preview) enableAudio() {
	p.mu.Lock()
	p.audio = true
	p.mu.Unlock()
}

// Subscribe returns a channel of WebM messages. A late subscriber first gets
// the init segment and the last keyframe cluster so decoding starts clean.
// The channel is closed when the participant leaves or cancel is called.
func (p *Preview) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if p.init != nil {
		ch <- p.init
		if p.lastKey != nil {
			ch <- p.lastKey
		}
	}
	p.subs[ch] = struct{}{}
	n := len(p.subs)
	p.mu.Unlock()
	log.Debugw("preview subscriber", "stream", p.name, "subscribers", n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			if _, ok := p.subs[ch]; ok {
				delete(p.subs, ch)
				close(ch)
			}
			p.mu.Unlock()
		})
	}
}

// writeVideo emits one cluster per frame. Audio queued since the previous
// frame goes into the same cluster ahead of the video block.
func (p *Preview) writeVideo(ms int64, key bool, frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if !p.hasVideo {
		p.videoT0, p.hasVideo = ms, true
	}
	ms -= p.videoT0

	if p.init == nil {
		if !key {
			return
		}
		w, h, ok := vp8Size(frame)
		if !ok {
			w, h = 640, 480
		}
		p.init = initSegment(w, h, p.audio)
		log.Debugw("preview started", "stream", p.name, "width", w, "height", h, "audio", p.audio)
		p.broadcastLocked(p.init)
	}

	start := ms
	if len(p.pending) > 0 && p.pending[0].ms < start {
		start = p.pending[0].ms
	}
	var blocks bytes.Buffer
	for _, af := range p.pending {
		rel := af.ms - start
		if rel > math.MaxInt16 {
			continue
		}
		blocks.Write(simpleBlock(audioTrack, int16(rel), false, af.data))
	}
	p.pending = p.pending[:0]
	rel := ms - start
	if rel > math.MaxInt16 {
		rel = math.MaxInt16
	}
	blocks.Write(simpleBlock(videoTrack, int16(rel), key, frame))

	c := cluster(start, blocks.Bytes())
	if key {
		p.lastKey = c
	}
	p.broadcastLocked(c)
}

// writeAudio queues an Opus frame for the next video cluster.
func (p *Preview) writeAudio(ms int64, frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.audio {
		return
	}
	if !p.hasAudio {
		p.audioT0, p.hasAudio = ms, true
	}
	if len(p.pending) >= maxPendingAudio {
		p.pending = p.pending[1:]
	}
	p.pending = append(p.pending, audioFrame{ms: ms - p.audioT0, data: append([]byte(nil), frame...)})
}

func (p *Preview) broadcastLocked(msg []byte) {
	for ch := range p.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (p *Preview) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for ch := range p.subs {
		close(ch)
	}
	p.subs = nil
}
