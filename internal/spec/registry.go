package spec

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"
)

var (
	// ErrSpecNotFound is returned for unknown spec IDs, and at the API
	// boundary also for specs the caller may not see.
	ErrSpecNotFound = errors.New("spec not found")
	// ErrAccessDenied is the internal denial kind. Handlers translate it
	// to ErrSpecNotFound before it leaves the API surface.
	ErrAccessDenied = errors.New("access denied")
)

// Cipher decrypts secret environment values loaded from storage.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Defaults supply controller-wide timeouts for specs that leave them unset.
type Defaults struct {
	IdleTimeout      time.Duration
	MaxLifetime      time.Duration
	ReadinessTimeout time.Duration
}

// Registry resolves spec IDs to ProxySpecs. The in-memory index is an
// immutable snapshot swapped atomically on Refresh, so readers never
// observe a partially-updated registry.
type Registry struct {
	coll     *mongo.Collection
	cipher   Cipher
	defaults Defaults

	index atomic.Pointer[snapshot]
}

type snapshot struct {
	byID    map[string]ProxySpec
	ordered []ProxySpec
}

func NewRegistry(coll *mongo.Collection, cipher Cipher, defaults Defaults) *Registry {
	r := &Registry{coll: coll, cipher: cipher, defaults: defaults}
	r.index.Store(&snapshot{byID: map[string]ProxySpec{}})
	return r
}

// NewStaticRegistry serves a fixed catalog with no backing collection.
// Used by tests and local development.
func NewStaticRegistry(specs ...ProxySpec) *Registry {
	r := &Registry{}
	next := &snapshot{byID: map[string]ProxySpec{}}
	for _, s := range specs {
		next.byID[s.ID] = s
		next.ordered = append(next.ordered, s)
	}
	r.index.Store(next)
	return r
}

// SeedFromFile upserts specs from a YAML file into the collection.
// Secret environment values are encrypted before they are stored.
// Intended for startup; Refresh must be called afterwards.
func (r *Registry) SeedFromFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	var docs []document
	if err := yaml.Unmarshal(raw, &docs); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	for _, doc := range docs {
		// Validate before writing anything.
		if _, err := doc.toSpec(); err != nil {
			return err
		}
		if len(doc.SecretEnv) > 0 && r.cipher == nil {
			return fmt.Errorf("spec %s: secret env requires a cipher", doc.ID)
		}
		for _, key := range doc.SecretEnv {
			val, ok := doc.Environment[key]
			if !ok {
				continue
			}
			enc, err := r.cipher.Encrypt(val)
			if err != nil {
				return fmt.Errorf("spec %s: encrypt env %s: %w", doc.ID, key, err)
			}
			doc.Environment[key] = enc
		}
		_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("upsert spec %s: %w", doc.ID, err)
		}
	}

	log.Printf("Seeded %d specs from %s", len(docs), path)
	return nil
}

// Refresh reloads all specs from the collection and swaps the index.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.coll == nil {
		return nil
	}
	cursor, err := r.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.M{"_id": 1}))
	if err != nil {
		return fmt.Errorf("load specs: %w", err)
	}
	defer cursor.Close(ctx)

	next := &snapshot{byID: map[string]ProxySpec{}}
	for cursor.Next(ctx) {
		var doc document
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("decode spec: %w", err)
		}
		s, err := doc.toSpec()
		if err != nil {
			// A bad document must not take down the whole registry.
			log.Printf("Skipping invalid spec %q: %v", doc.ID, err)
			continue
		}
		r.applyDefaults(&s)
		if err := r.decryptSecrets(&s); err != nil {
			log.Printf("Skipping spec %q: %v", s.ID, err)
			continue
		}
		next.byID[s.ID] = s
		next.ordered = append(next.ordered, s)
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("load specs: %w", err)
	}

	r.index.Store(next)
	return nil
}

func (r *Registry) applyDefaults(s *ProxySpec) {
	if s.IdleTimeout == 0 {
		s.IdleTimeout = r.defaults.IdleTimeout
	}
	if s.MaxLifetime == 0 {
		s.MaxLifetime = r.defaults.MaxLifetime
	}
	if s.ReadinessTimeout == 0 {
		s.ReadinessTimeout = r.defaults.ReadinessTimeout
	}
}

func (r *Registry) decryptSecrets(s *ProxySpec) error {
	if len(s.SecretEnv) == 0 {
		return nil
	}
	if r.cipher == nil {
		return fmt.Errorf("secret env requires a cipher")
	}
	env := make(map[string]string, len(s.Environment))
	for k, v := range s.Environment {
		env[k] = v
	}
	for _, key := range s.SecretEnv {
		enc, ok := env[key]
		if !ok {
			continue
		}
		plain, err := r.cipher.Decrypt(enc)
		if err != nil {
			return fmt.Errorf("decrypt env %s: %w", key, err)
		}
		env[key] = plain
	}
	s.Environment = env
	return nil
}

// Resolve returns the spec for the given ID without an access check.
// Callers are responsible for authorization.
func (r *Registry) Resolve(specID string) (ProxySpec, error) {
	s, ok := r.index.Load().byID[specID]
	if !ok {
		return ProxySpec{}, ErrSpecNotFound
	}
	return s, nil
}

// ResolveFor resolves a spec on behalf of a principal's groups.
// Denied and missing specs are distinguishable via errors.Is, but both
// must surface as not-found at the API boundary.
func (r *Registry) ResolveFor(specID string, groups []string) (ProxySpec, error) {
	s, err := r.Resolve(specID)
	if err != nil {
		return ProxySpec{}, err
	}
	if !s.CanAccess(groups) {
		return ProxySpec{}, fmt.Errorf("%w: spec %s", ErrAccessDenied, specID)
	}
	return s, nil
}

// ListAccessible returns every spec the given groups may start, in
// stable ID order.
func (r *Registry) ListAccessible(groups []string) []ProxySpec {
	snap := r.index.Load()
	out := make([]ProxySpec, 0, len(snap.ordered))
	for _, s := range snap.ordered {
		if s.CanAccess(groups) {
			out = append(out, s)
		}
	}
	return out
}

// ListAll returns every spec regardless of access control.
func (r *Registry) ListAll() []ProxySpec {
	snap := r.index.Load()
	out := make([]ProxySpec, len(snap.ordered))
	copy(out, snap.ordered)
	return out
}
