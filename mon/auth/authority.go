package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/seaweedfs/mapmon/mon/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const Namespace = "auth"

var (
	ErrInvalidEntity = errors.New("invalid entity name")
	ErrUnavailable   = errors.New("credential authority unavailable")
)

// Key is the credential of one entity.
type Key struct {
	Entity  string    `json:"entity"`
	Secret  string    `json:"secret"`
	Created time.Time `json:"created"`
}

// Authority is the external credential service device keys live in.
// Create and Remove are idempotent so a failed multi-step operation can be
// retried.
type Authority interface {
	Get(ctx context.Context, entity string) (Key, bool, error)
	Create(ctx context.Context, entity string) (Key, error)
	Remove(ctx context.Context, entity string) error
}

// DeviceEntity names the credentials of the device with uuid.
func DeviceEntity(deviceUUID string) string {
	return "device." + deviceUUID
}

func validEntity(entity string) error {
	if entity == "" || strings.ContainsAny(entity, " \t\n/") {
		return fmt.Errorf("%w: %q", ErrInvalidEntity, entity)
	}
	return nil
}

// Keyring keeps credentials in a store namespace.
type Keyring struct {
	mu    sync.Mutex
	store store.Store
	now   func() time.Time
}

func NewKeyring(s store.Store) *Keyring {
	return &Keyring{store: s, now: time.Now}
}

func (k *Keyring) Get(ctx context.Context, entity string) (Key, bool, error) {
	if err := validEntity(entity); err != nil {
		return Key{}, false, err
	}
	data, err := k.store.Get(Namespace, entity)
	if err == store.ErrNotFound {
		return Key{}, false, nil
	}
	if err != nil {
		return Key{}, false, err
	}
	var key Key
	if err := json.Unmarshal(data, &key); err != nil {
		return Key{}, false, fmt.Errorf("decode key of %s: %v", entity, err)
	}
	return key, true, nil
}

// Create returns the existing key of entity or stores a new one.
func (k *Keyring) Create(ctx context.Context, entity string) (Key, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if key, found, err := k.Get(ctx, entity); err != nil || found {
		return key, err
	}
	secret, err := uuid.NewRandom()
	if err != nil {
		return Key{}, err
	}
	key := Key{Entity: entity, Secret: secret.String(), Created: k.now()}
	data, err := json.Marshal(key)
	if err != nil {
		return Key{}, err
	}
	tx := store.NewTransaction()
	tx.Put(Namespace, entity, data)
	if err := k.store.Apply(tx); err != nil {
		return Key{}, err
	}
	glog.V(1).Infof("created credentials for %s", entity)
	return key, nil
}

func (k *Keyring) Remove(ctx context.Context, entity string) error {
	if err := validEntity(entity); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	tx := store.NewTransaction()
	tx.Erase(Namespace, entity)
	if err := k.store.Apply(tx); err != nil {
		return err
	}
	glog.V(1).Infof("removed credentials for %s", entity)
	return nil
}

// Retrying retries an authority on failure until MaxElapsed passes or the
// context ends. Invalid entities are not retried.
type Retrying struct {
	Authority  Authority
	MaxElapsed time.Duration
}

func (r *Retrying) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = r.MaxElapsed
	return backoff.WithContext(b, ctx)
}

func permanent(err error) error {
	if errors.Is(err, ErrInvalidEntity) {
		return backoff.Permanent(err)
	}
	return err
}

type lookup struct {
	key   Key
	found bool
}

func (r *Retrying) Get(ctx context.Context, entity string) (Key, bool, error) {
	l, err := backoff.RetryWithData(func() (lookup, error) {
		key, found, err := r.Authority.Get(ctx, entity)
		return lookup{key, found}, permanent(err)
	}, r.backOff(ctx))
	return l.key, l.found, unwrap(err)
}

func (r *Retrying) Create(ctx context.Context, entity string) (Key, error) {
	key, err := backoff.RetryWithData(func() (Key, error) {
		key, err := r.Authority.Create(ctx, entity)
		if err != nil {
			glog.V(1).Infof("create credentials for %s: %v", entity, err)
		}
		return key, permanent(err)
	}, r.backOff(ctx))
	return key, unwrap(err)
}

func (r *Retrying) Remove(ctx context.Context, entity string) error {
	err := backoff.Retry(func() error {
		err := r.Authority.Remove(ctx, entity)
		if err != nil {
			glog.V(1).Infof("remove credentials for %s: %v", entity, err)
		}
		return permanent(err)
	}, r.backOff(ctx))
	return unwrap(err)
}

func unwrap(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
