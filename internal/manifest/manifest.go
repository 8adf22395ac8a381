// Package manifest decodes and validates the update manifest served by the
// firmware server.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/bigbag/gateway-ota/internal/checksum"
	"github.com/bigbag/gateway-ota/internal/chunkindex"
	"github.com/bigbag/gateway-ota/internal/fault"
)

const (
	// MaxChunks is the largest number of chunks one image may be split into.
	MaxChunks = 192

	// MaxHostLength bounds the host part of the download URL.
	MaxHostLength = 64
)

// Kind identifies the controller an image is built for.
type Kind int

const (
	Host Kind = iota + 1
	Secondary
)

func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case Secondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// Key returns the manifest and query key prefix of the controller.
func (k Kind) Key() string {
	if k == Host {
		return "mcu1"
	}
	return "mcu2"
}

// Chunk is one slice of an image.
type Chunk struct {
	Index    int
	Path     string
	Size     int
	Checksum uint32
}

// Record converts the chunk into its index file form.
func (c Chunk) Record() chunkindex.Record {
	return chunkindex.Record{Index: c.Index, Path: c.Path, Checksum: checksum.Format(c.Checksum), Size: c.Size}
}

// Target is an image for one controller.
type Target struct {
	Kind            Kind
	SemanticVersion string
	VersionCode     int
	TotalSize       int64
	TotalChecksum   uint32
	HasNewFirmware  bool
	Chunks          []Chunk
}

// Start returns the first chunk number.
func (t *Target) Start() int {
	if len(t.Chunks) == 0 {
		return 0
	}
	return t.Chunks[0].Index
}

// Finish returns one past the last chunk number.
func (t *Target) Finish() int {
	return t.Start() + len(t.Chunks)
}

// Records returns the chunk index records of the target.
func (t *Target) Records() []chunkindex.Record {
	records := make([]chunkindex.Record, len(t.Chunks))
	for i, c := range t.Chunks {
		records[i] = c.Record()
	}
	return records
}

// Manifest is a validated update announcement.
type Manifest struct {
	MAC        string
	DeviceType string
	URL        *url.URL
	UpdateID   uint32
	Host       *Target
	Secondary  *Target
}

// Targets returns the targets with new firmware in flashing order.
func (m *Manifest) Targets() []*Target {
	var targets []*Target
	if m.Secondary != nil {
		targets = append(targets, m.Secondary)
	}
	if m.Host != nil {
		targets = append(targets, m.Host)
	}
	return targets
}

// Identity is what the gateway expects the manifest to be addressed to.
type Identity struct {
	MAC        string
	DeviceType string
}

type rawManifest struct {
	MAC        *string         `json:"mac"`
	DeviceType *string         `json:"deviceType"`
	URL        *string         `json:"url"`
	OTAID      json.RawMessage `json:"otaId"`
	MCU1       json.RawMessage `json:"mcu1"`
	MCU2       json.RawMessage `json:"mcu2"`
}

type rawTarget struct {
	VersionCode  *int     `json:"vc"`
	Version      *string  `json:"version"`
	TotalSize    *int64   `json:"fileTotalSize"`
	Checksum     *string  `json:"checksum"`
	FileNo       []int    `json:"fileNo"`
	FilePath     []string `json:"filePath"`
	FileSize     []int    `json:"fileSize"`
	FileChecksum []string `json:"fileChecksum"`
}

var requiredKeys = []string{"mac", "deviceType", "url", "otaId", "mcu1", "mcu2"}

// Parse decodes data and validates it against id.
func Parse(data []byte, id Identity) (*Manifest, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fault.Wrap(fault.Format, "parse manifest", err)
	}
	for _, k := range requiredKeys {
		if _, ok := keys[k]; !ok {
			return nil, invalid("missing key %q", k)
		}
	}

	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fault.Wrap(fault.Format, "parse manifest", err)
	}
	if raw.MAC == nil || raw.DeviceType == nil || raw.URL == nil || isNull(raw.OTAID) {
		return nil, invalid("mandatory value is null")
	}

	if !strings.EqualFold(*raw.MAC, id.MAC) {
		return nil, invalid("manifest for %s, this gateway is %s", *raw.MAC, id.MAC)
	}
	if *raw.DeviceType != id.DeviceType {
		return nil, invalid("manifest for device type %q, this gateway is %q", *raw.DeviceType, id.DeviceType)
	}

	updateID, err := strconv.ParseUint(string(raw.OTAID), 10, 32)
	if err != nil {
		return nil, invalid("otaId %s is not a number", raw.OTAID)
	}

	u, err := parseURL(*raw.URL)
	if err != nil {
		return nil, err
	}

	m := &Manifest{MAC: *raw.MAC, DeviceType: *raw.DeviceType, URL: u, UpdateID: uint32(updateID)}
	if m.Host, err = parseTarget(raw.MCU1, Host); err != nil {
		return nil, err
	}
	if m.Secondary, err = parseTarget(raw.MCU2, Secondary); err != nil {
		return nil, err
	}
	return m, nil
}

func parseURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fault.Wrap(fault.Format, "parse manifest url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, invalid("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, invalid("url %q has no host", s)
	}
	if len(u.Hostname()) > MaxHostLength {
		return nil, invalid("url host must be shorter than %d characters", MaxHostLength)
	}
	return u, nil
}

func parseTarget(data json.RawMessage, kind Kind) (*Target, error) {
	if isNull(data) {
		return nil, nil
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, invalid("%s must be an object", kind.Key())
	}

	var raw rawTarget
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fault.Wrap(fault.Format, "parse "+kind.Key(), err)
	}
	if raw.VersionCode == nil || raw.Version == nil || raw.TotalSize == nil || raw.Checksum == nil {
		return nil, invalid("%s: mandatory value is missing", kind.Key())
	}

	total, err := checksum.Parse(*raw.Checksum)
	if err != nil {
		return nil, invalid("%s: checksum %q: %v", kind.Key(), *raw.Checksum, err)
	}

	n := len(raw.FileNo)
	if len(raw.FilePath) != n || len(raw.FileSize) != n || len(raw.FileChecksum) != n {
		return nil, invalid("%s: chunk arrays differ in length (%d, %d, %d, %d)",
			kind.Key(), n, len(raw.FilePath), len(raw.FileSize), len(raw.FileChecksum))
	}
	if n == 0 {
		return nil, invalid("%s: no chunks", kind.Key())
	}
	if n > MaxChunks {
		return nil, invalid("%s: %d chunks, at most %d allowed", kind.Key(), n, MaxChunks)
	}

	t := &Target{
		Kind:            kind,
		SemanticVersion: *raw.Version,
		VersionCode:     *raw.VersionCode,
		TotalSize:       *raw.TotalSize,
		TotalChecksum:   total,
		HasNewFirmware:  true,
		Chunks:          make([]Chunk, n),
	}

	var sum int64
	for i := 0; i < n; i++ {
		if i > 0 && raw.FileNo[i] != raw.FileNo[i-1]+1 {
			return nil, invalid("%s: chunk %d follows %d", kind.Key(), raw.FileNo[i], raw.FileNo[i-1])
		}
		if raw.FileNo[i] < 0 || raw.FileSize[i] <= 0 {
			return nil, invalid("%s: chunk %d has number %d and size %d", kind.Key(), i, raw.FileNo[i], raw.FileSize[i])
		}
		if raw.FilePath[i] == "" || strings.ContainsAny(raw.FilePath[i], ",\r\n") {
			return nil, invalid("%s: invalid chunk path %q", kind.Key(), raw.FilePath[i])
		}
		if strings.ContainsAny(raw.FileChecksum[i], ",\r\n") {
			return nil, invalid("%s: invalid chunk checksum %q", kind.Key(), raw.FileChecksum[i])
		}
		crc, err := checksum.Parse(raw.FileChecksum[i])
		if err != nil {
			return nil, invalid("%s: chunk %d checksum: %v", kind.Key(), raw.FileNo[i], err)
		}

		t.Chunks[i] = Chunk{Index: raw.FileNo[i], Path: raw.FilePath[i], Size: raw.FileSize[i], Checksum: crc}
		sum += int64(raw.FileSize[i])
	}
	if sum != t.TotalSize {
		return nil, invalid("%s: chunk sizes add up to %d, fileTotalSize is %d", kind.Key(), sum, t.TotalSize)
	}
	return t, nil
}

func isNull(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func invalid(format string, args ...any) error {
	return fault.New(fault.Format, "validate manifest", format, args...)
}

// Encode renders m in the server's JSON layout. It is the inverse of Parse.
func Encode(m *Manifest) ([]byte, error) {
	doc := map[string]any{
		"mac":        m.MAC,
		"deviceType": m.DeviceType,
		"url":        m.URL.String(),
		"otaId":      m.UpdateID,
		"mcu1":       encodeTarget(m.Host),
		"mcu2":       encodeTarget(m.Secondary),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

func encodeTarget(t *Target) any {
	if t == nil {
		return nil
	}
	raw := rawTarget{
		VersionCode: &t.VersionCode,
		Version:     &t.SemanticVersion,
		TotalSize:   &t.TotalSize,
	}
	total := checksum.Format(t.TotalChecksum)
	raw.Checksum = &total
	for _, c := range t.Chunks {
		raw.FileNo = append(raw.FileNo, c.Index)
		raw.FilePath = append(raw.FilePath, c.Path)
		raw.FileSize = append(raw.FileSize, c.Size)
		raw.FileChecksum = append(raw.FileChecksum, checksum.Format(c.Checksum))
	}
	return raw
}
