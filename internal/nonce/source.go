// Package nonce hands out strictly increasing, durably persisted nonces,
// one Source per API credential.
package nonce

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/errs"
)

// timeRegimeBound is 2015-01-01T00:00:00Z in milliseconds. Persisted values at
// or above it were seeded from the wall clock, so the clock is a valid floor
// for them on restart.
const timeRegimeBound uint64 = 1_420_070_400_000

// state is the on-disk layout.
type state struct {
	LastNonce uint64    `json:"last_nonce"`
	SavedAt   time.Time `json:"saved_at"`
}

// Options configures a Source.
type Options struct {
	// Label names the credential in logs and errors.
	Label string
	// Path is the state file. Its directory is created if missing.
	Path string
	// Floor is the highest nonce the exchange is known to remember for this key.
	Floor uint64
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Source is a persisted, monotonically increasing nonce counter.
// The counter is never exposed directly; Next is the only way to advance it.
type Source struct {
	mu    sync.Mutex
	label string
	path  string
	last  uint64
	now   func() time.Time

	persistFailures metric.Int64Counter
}

// StatePath returns the conventional state file for a credential label.
func StatePath(dir, label string) string {
	return filepath.Join(dir, "nonce_state_"+label+".json")
}

// Open loads the persisted counter or seeds a new one.
//
// A missing or corrupt state file seeds from max(now_ms, Floor). A valid state
// below Floor is refused with a configuration error: the exchange remembers a
// higher nonce than this file, usually after a credential rotation, and
// guessing would either be rejected or burn the key.
func Open(opts Options) (*Source, error) {
	if opts.Path == "" {
		return nil, errs.Configuration(opts.Label, "nonce state path is empty", "set kraken.nonce_dir")
	}
	if opts.Label == "" {
		opts.Label = "default"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create nonce dir: %w", err)
	}

	s := &Source{
		label: opts.Label,
		path:  opts.Path,
		now:   opts.Now,
	}
	s.persistFailures, _ = otel.Meter("nonce").Int64Counter("nonce.persist.failures",
		metric.WithDescription("Nonce state writes that failed"))

	nowMs := uint64(opts.Now().UnixMilli())
	stored, err := readState(opts.Path)
	switch {
	case err != nil:
		if !os.IsNotExist(err) {
			slog.Warn("Nonce state unreadable, reseeding",
				slog.String("credential", s.label),
				slog.String("path", s.path),
				slog.Any("error", err))
		}
		s.last = max(nowMs, opts.Floor)
		slog.Info("Nonce source seeded",
			slog.String("credential", s.label),
			slog.Uint64("nonce", s.last),
			slog.Uint64("floor", opts.Floor))
		if err := s.persist(s.last); err != nil {
			s.reportPersistFailure(err)
		}
	case stored.LastNonce < opts.Floor:
		return nil, errs.Configuration(s.label,
			fmt.Sprintf("stored nonce %d is below the configured floor %d", stored.LastNonce, opts.Floor),
			"the credential was likely rotated or the floor is wrong; fix the floor or remove "+opts.Path+" deliberately")
	default:
		s.last = stored.LastNonce
		if stored.LastNonce >= timeRegimeBound && nowMs > s.last {
			s.last = nowMs
		}
		slog.Info("Nonce source loaded",
			slog.String("credential", s.label),
			slog.Uint64("stored", stored.LastNonce),
			slog.Uint64("nonce", s.last))
	}

	return s, nil
}

// Next increments the counter, persists it and returns it as a decimal string.
// A failed write is logged and counted; the in-memory value is still returned.
func (s *Source) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last++
	if err := s.persist(s.last); err != nil {
		s.reportPersistFailure(err)
	}
	return strconv.FormatUint(s.last, 10)
}

// Last returns the most recently issued value.
func (s *Source) Last() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Label returns the credential label.
func (s *Source) Label() string { return s.label }

// persist overwrites the state file through a temp file and rename.
// Must be called with mu held.
func (s *Source) persist(value uint64) error {
	data, err := json.Marshal(state{LastNonce: value, SavedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal nonce state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp nonce file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write nonce state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync nonce state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close nonce state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace nonce state: %w", err)
	}
	return nil
}

func (s *Source) reportPersistFailure(err error) {
	slog.Error("Nonce persistence failed",
		slog.String("credential", s.label),
		slog.String("path", s.path),
		slog.Any("error", err))
	if s.persistFailures != nil {
		s.persistFailures.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("credential", s.label)))
	}
}

func readState(path string) (state, error) {
	var st state
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode nonce state: %w", err)
	}
	if st.LastNonce == 0 {
		return st, fmt.Errorf("nonce state holds no value")
	}
	return st, nil
}
