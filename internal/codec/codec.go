// Package codec turns a context snapshot into a compressed archival payload
// and back.
//
// Payload layout (all integers big endian):
//
//	offset  size  field
//	0       4     magic "CTXA"
//	4       1     format version (1)
//	5       1     archive level
//	6       1     flags (bit 0: body contains summaries)
//	7       1     reserved, zero
//	8       32    sha256 of the level byte followed by the RFC 8785
//	              canonical form of the body
//	40      ...   zstd frame holding the JSON body
//
// The body carries its own begin and end markers but not the level, so a
// level that summarizes nothing new produces the same body as the level
// below it. Events at or above the
// level's retention threshold are stored verbatim with their original
// sequence number, payload bytes included. Everything else is folded into one
// summary per event type, unless that would make the payload larger. Decode validates every layer and returns
// *CorruptArchiveError on the first inconsistency.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/klauspost/compress/zstd"

	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

const (
	magic = "CTXA"
	// Version is the payload format version written by Encode.
	Version = 1
	// HeaderSize is the fixed frame header length.
	HeaderSize = 40

	flagSummarized = 1 << 0

	beginMarkerName = "ctxvault.archive.begin"
	endMarkerName   = "ctxvault.archive.end"

	// maxBodySize bounds decompression of hostile payloads.
	maxBodySize = 512 << 20
)

// Info is the context metadata carried inside the payload so a record can be
// rebuilt from the payload alone.
type Info struct {
	ContextID      string         `json:"context_id"`
	Scope          snapshot.Scope `json:"scope"`
	CurrentTask    string         `json:"current_task,omitempty"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	ArchivedAt     time.Time      `json:"archived_at"`
	OriginalSize   int64          `json:"original_size"`
}

// Retained is an event stored verbatim with its position in the original log.
type Retained struct {
	Seq   int
	Event snapshot.Event
}

// Summary replaces every summarized event of one type.
type Summary struct {
	Seq           int // position of the first summarized event of this type
	Type          string
	Count         int
	FirstAt       time.Time
	LastAt        time.Time
	MaxImportance int
}

// Stats describes one Encode call.
type Stats struct {
	OriginalSize     int64
	CompressedSize   int64
	RetainedEvents   int
	SummarizedEvents int
	SummaryGroups    int
}

// Ratio is CompressedSize / OriginalSize.
func (s Stats) Ratio() float64 {
	if s.OriginalSize <= 0 {
		return 1
	}
	return float64(s.CompressedSize) / float64(s.OriginalSize)
}

// Header is the fixed part of a payload.
type Header struct {
	Version    int
	Level      tiering.Level
	Summarized bool
	Digest     [32]byte
}

type beginMarker struct {
	Marker    string `json:"marker"`
	Version   int    `json:"version"`
	ContextID string `json:"context_id"`
}

type endMarker struct {
	Marker     string `json:"marker"`
	EventCount int    `json:"event_count"`
	Retained   int    `json:"retained"`
	Summaries  int    `json:"summaries"`
}

type wireEntry struct {
	Seq        int             `json:"seq"`
	Type       string          `json:"type"`
	Payload    []byte          `json:"payload,omitempty"`
	Importance int             `json:"importance"`
	Timestamp  time.Time       `json:"timestamp"`
	Origin     snapshot.Origin `json:"origin,omitempty"`
}

type wireSummary struct {
	Seq           int       `json:"seq"`
	Type          string    `json:"type"`
	Count         int       `json:"count"`
	FirstAt       time.Time `json:"first_at"`
	LastAt        time.Time `json:"last_at"`
	MaxImportance int       `json:"max_importance"`
}

type body struct {
	Begin     beginMarker   `json:"begin"`
	Info      Info          `json:"info"`
	Entries   []wireEntry   `json:"entries"`
	Summaries []wireSummary `json:"summaries"`
	End       endMarker     `json:"end"`
}

var (
	encodersMu sync.Mutex
	encoders   = map[tiering.Level]*zstd.Encoder{}

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func encoderFor(level tiering.Level) (*zstd.Encoder, error) {
	encodersMu.Lock()
	defer encodersMu.Unlock()
	if enc, ok := encoders[level]; ok {
		return enc, nil
	}

	var zl zstd.EncoderLevel
	switch level {
	case tiering.Active:
		zl = zstd.SpeedFastest
	case tiering.Dormant:
		zl = zstd.SpeedDefault
	case tiering.Sleeping:
		zl = zstd.SpeedBetterCompression
	default:
		zl = zstd.SpeedBestCompression
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zl), zstd.WithEncoderCRC(true))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	encoders[level] = enc
	return enc, nil
}

func sharedDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxBodySize),
		)
	})
	return decoder, decoderErr
}

// Encode archives snap at level. info supplies the archive timestamp; its
// context fields and OriginalSize are filled from snap.
func Encode(snap *snapshot.Snapshot, level tiering.Level, archivedAt time.Time) ([]byte, Stats, error) {
	if snap == nil {
		return nil, Stats{}, fmt.Errorf("snapshot is required")
	}
	if !level.Valid() {
		return nil, Stats{}, fmt.Errorf("invalid archive level %d", level)
	}

	info := Info{
		ContextID:      snap.ContextID,
		Scope:          snap.Scope,
		CurrentTask:    snap.CurrentTask,
		LastActivityAt: snap.LastActivityAt,
		ArchivedAt:     archivedAt,
	}

	originalSize, err := OriginalSize(snap)
	if err != nil {
		return nil, Stats{}, err
	}
	info.OriginalSize = originalSize

	chosen, raw, frame, err := smallestFrame(snap, level, info)
	if err != nil {
		return nil, Stats{}, err
	}
	digest, err := digestBody(level, raw)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("canonicalize archive body: %w", err)
	}

	out := make([]byte, HeaderSize, HeaderSize+len(frame))
	copy(out[0:4], magic)
	out[4] = Version
	out[5] = byte(level)
	if len(chosen.Summaries) > 0 {
		out[6] |= flagSummarized
	}
	copy(out[8:HeaderSize], digest[:])
	out = append(out, frame...)

	stats := Stats{
		OriginalSize:     originalSize,
		CompressedSize:   int64(len(out)),
		RetainedEvents:   len(chosen.Entries),
		SummarizedEvents: chosen.End.EventCount - chosen.End.Retained,
		SummaryGroups:    len(chosen.Summaries),
	}
	return out, stats, nil
}

type candidate struct {
	b   body
	raw []byte
}

// smallestFrame compresses the bodies of every level up to level with every
// encoder up to level and keeps the smallest frame. The candidates for a
// level include all candidates of the level below, so a payload never grows
// as the level escalates. Ties go to the more summarized body and the
// stronger encoder. When folding events into summaries would not shrink the
// frame, the less summarized body is kept; it holds strictly more of the log.
func smallestFrame(snap *snapshot.Snapshot, level tiering.Level, info Info) (body, []byte, []byte, error) {
	var bodies []candidate
	for _, l := range tiering.Levels {
		if l > level {
			break
		}
		b := partition(snap, l, info)
		raw, err := json.Marshal(b)
		if err != nil {
			return body{}, nil, nil, fmt.Errorf("marshal archive body: %w", err)
		}
		if n := len(bodies); n > 0 && bytes.Equal(bodies[n-1].raw, raw) {
			continue
		}
		bodies = append(bodies, candidate{b: b, raw: raw})
	}

	var (
		best  candidate
		frame []byte
	)
	for _, c := range bodies {
		for _, l := range tiering.Levels {
			if l > level {
				break
			}
			enc, err := encoderFor(l)
			if err != nil {
				return body{}, nil, nil, err
			}
			f := enc.EncodeAll(c.raw, nil)
			if frame == nil || len(f) <= len(frame) {
				best, frame = c, f
			}
		}
	}
	return best.b, best.raw, frame, nil
}

// OriginalSize is the size of the uncompressed body with every event kept
// verbatim. It is the denominator of the compression ratio.
func OriginalSize(snap *snapshot.Snapshot) (int64, error) {
	b := partition(snap, tiering.Active, Info{
		ContextID:      snap.ContextID,
		Scope:          snap.Scope,
		CurrentTask:    snap.CurrentTask,
		LastActivityAt: snap.LastActivityAt,
	})
	raw, err := json.Marshal(b)
	if err != nil {
		return 0, fmt.Errorf("marshal archive body: %w", err)
	}
	return int64(len(raw)), nil
}

func partition(snap *snapshot.Snapshot, level tiering.Level, info Info) body {
	b := body{
		Begin: beginMarker{
			Marker:    beginMarkerName,
			Version:   Version,
			ContextID: snap.ContextID,
		},
		Info:      info,
		Entries:   []wireEntry{},
		Summaries: []wireSummary{},
	}

	groups := map[string]int{}
	summarized := 0
	for seq, e := range snap.Events {
		if level.Retains(e.Importance) {
			b.Entries = append(b.Entries, wireEntry{
				Seq:        seq,
				Type:       e.Type,
				Payload:    e.Payload,
				Importance: e.Importance,
				Timestamp:  e.Timestamp,
				Origin:     e.Origin,
			})
			continue
		}

		count, first, last := 1, e.Timestamp, e.Timestamp
		if e.IsSummary() {
			// Re-archiving a restored log: fold the prior summary's counts in
			// instead of counting it as one event.
			var p snapshot.SummaryPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil && p.Count > 0 {
				count, first, last = p.Count, p.FirstAt, p.LastAt
			}
		}
		summarized += count

		idx, ok := groups[e.Type]
		if !ok {
			groups[e.Type] = len(b.Summaries)
			b.Summaries = append(b.Summaries, wireSummary{
				Seq:           seq,
				Type:          e.Type,
				Count:         count,
				FirstAt:       first,
				LastAt:        last,
				MaxImportance: e.Importance,
			})
			continue
		}
		s := &b.Summaries[idx]
		s.Count += count
		if first.Before(s.FirstAt) {
			s.FirstAt = first
		}
		if last.After(s.LastAt) {
			s.LastAt = last
		}
		if e.Importance > s.MaxImportance {
			s.MaxImportance = e.Importance
		}
	}

	b.End = endMarker{
		Marker:     endMarkerName,
		EventCount: len(b.Entries) + summarized,
		Retained:   len(b.Entries),
		Summaries:  len(b.Summaries),
	}
	return b
}

// digestBody binds the header level to the body.
func digestBody(level tiering.Level, raw []byte) ([32]byte, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return [32]byte{}, err
	}
	h := sha256.New()
	h.Write([]byte{byte(level)})
	h.Write(canonical)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// ReadHeader parses and checks the fixed header without decompressing.
func ReadHeader(payload []byte) (Header, error) {
	if len(payload) < HeaderSize {
		return Header{}, corruptf("payload too short: %d bytes", len(payload))
	}
	if !bytes.Equal(payload[0:4], []byte(magic)) {
		return Header{}, corruptf("bad magic %q", payload[0:4])
	}
	if payload[4] != Version {
		return Header{}, corruptf("unsupported format version %d", payload[4])
	}
	level := tiering.Level(payload[5])
	if !level.Valid() {
		return Header{}, corruptf("unknown archive level %d", payload[5])
	}
	if payload[7] != 0 {
		return Header{}, corruptf("reserved header byte is %d", payload[7])
	}
	h := Header{
		Version:    int(payload[4]),
		Level:      level,
		Summarized: payload[6]&flagSummarized != 0,
	}
	copy(h.Digest[:], payload[8:HeaderSize])
	return h, nil
}

// Decoded is the validated content of a payload.
type Decoded struct {
	Header     Header
	Info       Info
	Retained   []Retained
	Summaries  []Summary
	EventCount int
}

// Decode validates and unpacks a payload.
func Decode(payload []byte) (*Decoded, error) {
	h, err := ReadHeader(payload)
	if err != nil {
		return nil, err
	}

	dec, err := sharedDecoder()
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	raw, err := dec.DecodeAll(payload[HeaderSize:], nil)
	if err != nil {
		return nil, corrupt("decompress body", err)
	}

	digest, err := digestBody(h.Level, raw)
	if err != nil {
		return nil, corrupt("canonicalize body", err)
	}
	if digest != h.Digest {
		return nil, corruptf("body digest mismatch")
	}

	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, corrupt("decode body", err)
	}
	if err := checkEnvelope(&b, h); err != nil {
		return nil, err
	}

	d := &Decoded{
		Header:     h,
		Info:       b.Info,
		EventCount: b.End.EventCount,
		Retained:   make([]Retained, 0, len(b.Entries)),
		Summaries:  make([]Summary, 0, len(b.Summaries)),
	}
	for _, e := range b.Entries {
		d.Retained = append(d.Retained, Retained{
			Seq: e.Seq,
			Event: snapshot.Event{
				Type:       e.Type,
				Payload:    json.RawMessage(e.Payload),
				Importance: e.Importance,
				Timestamp:  e.Timestamp,
				Origin:     e.Origin,
			},
		})
	}
	for _, s := range b.Summaries {
		d.Summaries = append(d.Summaries, Summary(s))
	}
	return d, nil
}

func checkEnvelope(b *body, h Header) error {
	if b.Begin.Marker != beginMarkerName {
		return corruptf("missing begin marker")
	}
	if b.End.Marker != endMarkerName {
		return corruptf("missing end marker")
	}
	if b.Begin.Version != h.Version {
		return corruptf("begin marker version %d does not match header %d", b.Begin.Version, h.Version)
	}
	if b.Begin.ContextID != b.Info.ContextID || b.Info.ContextID == "" {
		return corruptf("begin marker context %q does not match info %q", b.Begin.ContextID, b.Info.ContextID)
	}
	if h.Summarized != (len(b.Summaries) > 0) {
		return corruptf("summary flag does not match body")
	}
	if b.End.Retained != len(b.Entries) || b.End.Summaries != len(b.Summaries) {
		return corruptf("end marker counts (%d retained, %d summaries) do not match body (%d, %d)",
			b.End.Retained, b.End.Summaries, len(b.Entries), len(b.Summaries))
	}

	summarized := 0
	for _, s := range b.Summaries {
		if s.Count <= 0 {
			return corruptf("summary for %q has count %d", s.Type, s.Count)
		}
		summarized += s.Count
	}
	if b.End.EventCount != len(b.Entries)+summarized {
		return corruptf("end marker event count %d does not match body %d",
			b.End.EventCount, len(b.Entries)+summarized)
	}

	prev := -1
	for _, e := range b.Entries {
		if e.Seq <= prev {
			return corruptf("retained events out of order at seq %d", e.Seq)
		}
		prev = e.Seq
	}
	return nil
}

// Events rebuilds the ordered event log. Verbatim events keep their original
// origin if it was set, otherwise they are tagged OriginArchived; summaries
// become OriginSummary events placed where the first summarized event of that
// type used to be.
func (d *Decoded) Events() []snapshot.Event {
	type slot struct {
		seq   int
		event snapshot.Event
	}
	slots := make([]slot, 0, len(d.Retained)+len(d.Summaries))

	for _, r := range d.Retained {
		e := r.Event
		if e.Origin == snapshot.OriginLive {
			e.Origin = snapshot.OriginArchived
		}
		slots = append(slots, slot{seq: r.Seq, event: e})
	}
	for _, s := range d.Summaries {
		payload, _ := json.Marshal(snapshot.SummaryPayload{
			Summary:       true,
			Type:          s.Type,
			Count:         s.Count,
			FirstAt:       s.FirstAt,
			LastAt:        s.LastAt,
			MaxImportance: s.MaxImportance,
		})
		slots = append(slots, slot{seq: s.Seq, event: snapshot.Event{
			Type:       s.Type,
			Payload:    payload,
			Importance: s.MaxImportance,
			Timestamp:  s.FirstAt,
			Origin:     snapshot.OriginSummary,
		}})
	}

	sort.SliceStable(slots, func(i, j int) bool { return slots[i].seq < slots[j].seq })
	events := make([]snapshot.Event, len(slots))
	for i, s := range slots {
		events[i] = s.event
	}
	return events
}

// SummarizedEvents is the number of original events represented by summaries.
func (d *Decoded) SummarizedEvents() int {
	return d.EventCount - len(d.Retained)
}
