package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"socks_sentinel/internal/shared/logger"
	"socks_sentinel/proxypool/model"
)

const (
	// CurrentVersion is written to every snapshot. Files without a version
	// tag are treated as version 1.
	CurrentVersion = 2

	neverUpdated = "Never"
)

// Snapshot is the persisted state of the pool: every entry in pool order and
// the time of the last completed full scan.
type Snapshot struct {
	Entries    []model.Entry
	LastUpdate *time.Time
}

// LastUpdateString formats LastUpdate the way it is stored, "Never" when unset.
func (s Snapshot) LastUpdateString() string {
	return FormatLastUpdate(s.LastUpdate)
}

// FormatLastUpdate formats t with model.TimeLayout, or "Never" for nil.
func FormatLastUpdate(t *time.Time) string {
	if t == nil {
		return neverUpdated
	}
	return t.Local().Format(model.TimeLayout)
}

// Storage 接口定义了代理池持久化的行为。
type Storage interface {
	Load() (Snapshot, error)
	Save(s Snapshot) error
}

// FileStorage 实现了 Storage 接口，使用 JSON 文件进行持久化。
// Saves are whole-file overwrites through a temp file and rename.
type FileStorage struct {
	filePath string
	mu       sync.Mutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Path returns the snapshot file location.
func (fs *FileStorage) Path() string {
	return fs.filePath
}

// record is the on-disk form of one entry. Status only appears in the oldest
// files, which recorded a single TCP check.
type record struct {
	TCPConnect      bool     `json:"tcp_connect"`
	SOCKS5Handshake bool     `json:"socks5_handshake"`
	RemoteConnect   bool     `json:"remote_connect"`
	DNSOK           bool     `json:"dns_ok"`
	BandwidthKbps   *float64 `json:"bandwidth_kbps"`
	LastChecked     *string  `json:"last_checked"`
	Status          string   `json:"status,omitempty"`
}

// stageKeys reports which stage fields a stored record actually carries.
type stageKeys struct {
	TCPConnect *bool `json:"tcp_connect"`
}

// Load 从 JSON 文件加载代理池。A missing file yields an empty snapshot.
func (fs *FileStorage) Load() (Snapshot, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Proxy data file not found, starting with an empty pool.")
			return Snapshot{}, nil
		}
		return Snapshot{}, err
	}
	defer file.Close()

	snap, version, err := decodeSnapshot(bufio.NewReader(file))
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode %s: %w", fs.filePath, err)
	}
	if version < CurrentVersion {
		l.Info().Int("version", version).Int("target", CurrentVersion).Msg("Migrating proxy data file on load.")
	}
	l.Info().Int("count", len(snap.Entries)).Str("last_update", snap.LastUpdateString()).Msg("Successfully loaded proxies from file.")
	return snap, nil
}

// Save 将代理池完整写入 JSON 文件，保持池中的顺序。
func (fs *FileStorage) Save(s Snapshot) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	data, err := encodeSnapshot(s)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(fs.filePath, data); err != nil {
		return err
	}

	l.Debug().Int("count", len(s.Entries)).Str("path", fs.filePath).Msg("Successfully saved proxies to file.")
	return nil
}

func encodeSnapshot(s Snapshot) ([]byte, error) {
	proxies, err := EncodeProxies(s.Entries)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `{"version":%d,"proxies":`, CurrentVersion)
	buf.Write(proxies)
	last, _ := json.Marshal(s.LastUpdateString())
	buf.WriteString(`,"last_update":`)
	buf.Write(last)
	buf.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// EncodeProxies renders entries as one JSON object keyed by endpoint, in
// slice order, using the on-disk record format.
func EncodeProxies(entries []model.Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Endpoint.String())
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(toRecord(e.Result))
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", e.Endpoint, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeSnapshot walks the top-level object token by token so that the
// "proxies" keys come back in file order.
func decodeSnapshot(r io.Reader) (Snapshot, int, error) {
	l := logger.WithComponent("ProxyPool/Storage")
	dec := json.NewDecoder(r)

	var snap Snapshot
	version := 1

	if err := expectDelim(dec, '{'); err != nil {
		return snap, 0, err
	}
	var raws []rawEntry
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return snap, 0, err
		}
		switch key {
		case "version":
			if err := dec.Decode(&version); err != nil {
				return snap, 0, fmt.Errorf("bad version: %w", err)
			}
		case "proxies":
			raws, err = decodeProxies(dec)
			if err != nil {
				return snap, 0, err
			}
		case "last_update":
			var s *string
			if err := dec.Decode(&s); err != nil {
				return snap, 0, fmt.Errorf("bad last_update: %w", err)
			}
			snap.LastUpdate = parseTime(s)
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return snap, 0, err
			}
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return snap, 0, err
	}

	seen := make(map[model.Endpoint]struct{}, len(raws))
	for _, raw := range raws {
		ep, err := model.ParseEndpoint(raw.key)
		if err != nil {
			l.Warn().Str("key", raw.key).Msg("Skipping invalid endpoint in proxy file.")
			continue
		}
		if _, dup := seen[ep]; dup {
			continue
		}
		res, err := fromRaw(raw.value, version)
		if err != nil {
			l.Warn().Err(err).Str("endpoint", ep.String()).Msg("Skipping malformed record in proxy file.")
			continue
		}
		seen[ep] = struct{}{}
		snap.Entries = append(snap.Entries, model.Entry{Endpoint: ep, Result: res})
	}
	return snap, version, nil
}

type rawEntry struct {
	key   string
	value json.RawMessage
}

func decodeProxies(dec *json.Decoder) ([]rawEntry, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("proxies: expected object, got %v", tok)
	}
	var out []rawEntry
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("proxies[%s]: %w", key, err)
		}
		out = append(out, rawEntry{key: key, value: v})
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return out, nil
}

// fromRaw converts a stored record, migrating the single-status form of
// version 1 files: "Active" becomes a passed TCP stage, anything else is unchecked.
func fromRaw(raw json.RawMessage, version int) (model.Result, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.Result{}, err
	}
	if version < CurrentVersion {
		var keys stageKeys
		if err := json.Unmarshal(raw, &keys); err != nil {
			return model.Result{}, err
		}
		if keys.TCPConnect == nil {
			rec = record{
				TCPConnect:  rec.Status == "Active",
				LastChecked: rec.LastChecked,
			}
		}
	}
	res := model.Result{
		TCPConnect:      rec.TCPConnect,
		SOCKS5Handshake: rec.SOCKS5Handshake,
		RemoteConnect:   rec.RemoteConnect,
		DNSOK:           rec.DNSOK,
		BandwidthKbps:   rec.BandwidthKbps,
		LastChecked:     parseTime(rec.LastChecked),
	}
	return res.Normalize(), nil
}

func toRecord(r model.Result) record {
	rec := record{
		TCPConnect:      r.TCPConnect,
		SOCKS5Handshake: r.SOCKS5Handshake,
		RemoteConnect:   r.RemoteConnect,
		DNSOK:           r.DNSOK,
		BandwidthKbps:   r.BandwidthKbps,
	}
	if r.LastChecked != nil {
		s := r.LastChecked.Local().Format(model.TimeLayout)
		rec.LastChecked = &s
	}
	return rec
}

// parseTime reads a local wall-clock time. The format has no offset, so a
// time inside the DST fall-back hour may resolve to either occurrence.
func parseTime(s *string) *time.Time {
	if s == nil || *s == "" || *s == neverUpdated {
		return nil
	}
	t, err := time.ParseInLocation(model.TimeLayout, *s, time.Local)
	if err != nil {
		return nil
	}
	return &t
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return key, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// writeFileAtomic writes data to a sibling temp file and renames it over
// path, so readers never observe a partially written snapshot.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

var _ Storage = (*FileStorage)(nil)
