package handshake

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"code.savanna.org/golang/internal/algos"
	"code.savanna.org/golang/internal/observability"
	"code.savanna.org/golang/pkg/audit"
	"code.savanna.org/golang/pkg/keys"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// RegistryConfig holds Registry dependencies.
type RegistryConfig struct {
	Keys          keys.KeyStore
	Store         Store
	Audit         audit.Log
	TTL           time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// Registry issues and consumes handshakes.
type Registry struct {
	keys          keys.KeyStore
	store         Store
	audit         audit.Log
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

// NewRegistry returns a Registry. Zero TTL and SweepInterval use the defaults.
// It errors if a dependency is missing.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if nil == cfg.Keys {
		return nil, newError("nil Keys")
	}
	if nil == cfg.Store {
		return nil, newError("nil Store")
	}
	if nil == cfg.Audit {
		cfg.Audit = audit.NopLog{}
	}
	if cfg.TTL < 0 || cfg.SweepInterval < 0 {
		return nil, newError("negative TTL or SweepInterval")
	}
	if 0 == cfg.TTL {
		cfg.TTL = DefaultTTL
	}
	if 0 == cfg.SweepInterval {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if nil == cfg.Now {
		cfg.Now = time.Now
	}

	return &Registry{
		keys:          cfg.Keys,
		store:         cfg.Store,
		audit:         cfg.Audit,
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		now:           cfg.Now,
	}, nil
}

// TTL returns the handshakes lifetime.
func (self *Registry) TTL() time.Duration {
	return self.ttl
}

// Issue creates a new handshake bound to the active server key.
func (self *Registry) Issue(ctx context.Context, client ClientInfo) (Issued, error) {
	var rv Issued

	kp, err := self.keys.Active(ctx)
	if nil != err {
		return rv, wrapError(err, "failed loading active server key")
	}

	var kid [KeyIdSize]byte
	salt := make([]byte, SaltSize)
	rand.Read(kid[:])
	rand.Read(salt)

	now := self.now()
	h := Handshake{
		KeyId:        hex.EncodeToString(kid[:]),
		Salt:         salt,
		ServerKeyRef: kp.Ref,
		CreatedAt:    now,
		ExpiresAt:    now.Add(self.ttl),
		ClientIP:     client.IP,
		UserAgent:    client.UserAgent,
	}
	if err = self.store.Put(ctx, h); nil != err {
		return rv, wrapError(err, "failed storing handshake")
	}

	self.record(ctx, audit.KindCreate, h.KeyId, audit.Info{
		IP:        client.IP,
		UserAgent: client.UserAgent,
		Expires:   h.ExpiresAt.UnixMilli(),
	})

	rv.KeyId = h.KeyId
	rv.Salt = h.Salt
	rv.ServerPublicKey = kp.PublicKey()
	rv.ExpiresAt = h.ExpiresAt
	rv.Curve = algos.P256().DisplayName()

	return rv, nil
}

// Consume removes the handshake keyed by keyId and returns it.
//
// It errors with ErrNotFound if keyId is unknown or was already consumed, and
// with ErrExpired if the handshake lifetime has elapsed. An expired handshake
// is removed as well.
func (self *Registry) Consume(ctx context.Context, keyId string, client ClientInfo) (Handshake, error) {
	h, found, err := self.store.Pop(ctx, keyId)
	if nil != err {
		return h, wrapError(err, "failed loading handshake")
	}
	if !found {
		return h, wrapError(ErrNotFound, "unknown keyId %q", keyId)
	}

	now := self.now()
	if h.Expired(now) {
		self.record(ctx, audit.KindExpire, h.KeyId, audit.Info{
			IP:        client.IP,
			UserAgent: client.UserAgent,
			Expires:   h.ExpiresAt.UnixMilli(),
		})
		return Handshake{}, wrapError(ErrExpired, "keyId %s expired at %v", keyId, h.ExpiresAt)
	}

	h.ConsumedAt = &now
	h.ConsumingUserId = client.UserId
	self.record(ctx, audit.KindConsume, h.KeyId, audit.Info{
		IP:        client.IP,
		UserAgent: client.UserAgent,
		UsedAt:    now.UnixMilli(),
		UserId:    client.UserId,
	})

	return h, nil
}

// Sweep removes the expired handshakes and returns how many were removed.
func (self *Registry) Sweep(ctx context.Context) (int, error) {
	expired, err := self.store.PopExpired(ctx, self.now())
	for _, h := range expired {
		self.record(ctx, audit.KindExpire, h.KeyId, audit.Info{Expires: h.ExpiresAt.UnixMilli()})
	}

	return len(expired), wrapError(err, "failed removing expired handshakes")
}

// Run sweeps expired handshakes every SweepInterval until ctx is done.
func (self *Registry) Run(ctx context.Context) error {
	log := observability.GetObservability(ctx).Log()
	ticker := time.NewTicker(self.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			count, err := self.Sweep(ctx)
			if nil != err && nil == ctx.Err() {
				log.Warn("failed handshake sweep", "error", err)
			}
			if count > 0 {
				log.Debug("swept expired handshakes", "count", count)
			}
		}
	}
}

func (self *Registry) record(ctx context.Context, kind audit.Kind, keyId string, info audit.Info) {
	obs := observability.GetObservability(ctx)
	obs.Meter().HandshakeEvent(string(kind))

	entry := audit.Entry{Time: self.now().UTC(), Kind: kind, KeyId: keyId, Info: info}
	if err := self.audit.Append(ctx, entry); nil != err {
		obs.Log().Warn("failed recording handshake event", "kind", kind, "keyId", keyId, "error", err)
	}
}
