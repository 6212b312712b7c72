package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/gateway"
)

var (
	issuedMeter  = metrics.NewRegisteredMeter("gateway/wallet/issued", nil)
	collideMeter = metrics.NewRegisteredMeter("gateway/wallet/collisions", nil)
)

const (
	// lockTimeout bounds how long an issuance waits for the generation lock.
	lockTimeout = 10 * time.Second

	// lockWatchdog force-releases a generation lock a crashed holder never
	// returned, so one wedged request cannot stall issuance forever.
	lockWatchdog = 30 * time.Second

	// indexRetries is how many times an issuance re-reads the index after an
	// address uniqueness conflict before giving up.
	indexRetries = 3
)

// ErrIssuanceBusy is returned when the generation lock cannot be acquired
// within lockTimeout. Callers should retry; the holder is still deriving.
var ErrIssuanceBusy = errors.New("wallet: address generation busy")

// Store is the persistence surface the service needs.
type Store interface {
	MaxAddressIndex(ctx context.Context, kind gateway.AddressKind) (uint32, bool, error)
	InsertAddress(ctx context.Context, a *gateway.PaymentAddress) error
	ActiveHotWallet(ctx context.Context, currency string) (*gateway.PaymentAddress, error)
}

// Webhooks emits merchant notifications. Optional; nil disables emission.
type Webhooks interface {
	Emit(ctx context.Context, merchantID string, ev gateway.Event, fields map[string]interface{}) error
}

// IssueRequest describes one merchant-payment address to derive.
type IssueRequest struct {
	MerchantID string
	Expected   decimal.Decimal
	Currency   string        // empty uses the configured token symbol
	Lifetime   time.Duration // 0 uses the configured address lifetime
}

// genLock serialises index allocation. The watchdog frees a lock whose holder
// never released it; the release closure is safe to call after that.
type genLock struct {
	tokens chan struct{}
}

func newGenLock() *genLock {
	l := &genLock{tokens: make(chan struct{}, 1)}
	l.tokens <- struct{}{}
	return l
}

func (l *genLock) acquire(ctx context.Context, lg log.Logger) (func(), error) {
	timer := time.NewTimer(lockTimeout)
	defer timer.Stop()
	select {
	case <-l.tokens:
	case <-timer.C:
		return nil, gateway.Retriable(ErrIssuanceBusy)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() { l.tokens <- struct{}{} })
	}
	watchdog := time.AfterFunc(lockWatchdog, func() {
		lg.Error("Generation lock held past watchdog, force releasing")
		release()
	})
	return func() {
		watchdog.Stop()
		release()
	}, nil
}

// Service derives, encrypts and persists addresses from the HD seed.
type Service struct {
	store Store
	tree  *keyTree
	vault *Vault
	hooks Webhooks

	currency string
	lifetime time.Duration

	lock *genLock
	log  log.Logger
	now  func() time.Time
}

// NewService builds the key tree and vault from the wallet and security
// sections. The seed never leaves this package.
func NewService(st Store, hooks Webhooks, cfg *config.Config, lg log.Logger) (*Service, error) {
	tree, err := newKeyTree(&cfg.Wallet)
	if err != nil {
		return nil, err
	}
	vault, err := NewVault(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:    st,
		tree:     tree,
		vault:    vault,
		hooks:    hooks,
		currency: cfg.Wallet.Currency,
		lifetime: cfg.Wallet.AddressLifetime(),
		lock:     newGenLock(),
		log:      lg,
		now:      time.Now,
	}, nil
}

// Issue derives the next merchant-payment address. Index allocation runs under
// the generation lock so concurrent issuers receive contiguous indices; a
// uniqueness conflict (another process won the same index) re-reads the index
// up to indexRetries times.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*gateway.PaymentAddress, error) {
	if req.MerchantID == "" {
		return nil, errors.New("wallet: merchant id is required")
	}
	if req.Expected.IsNegative() || req.Expected.IsZero() {
		return nil, fmt.Errorf("wallet: expected amount %s must be positive", req.Expected)
	}
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}
	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = s.lifetime
	}

	release, err := s.lock.acquire(ctx, s.log)
	if err != nil {
		return nil, err
	}
	defer release()

	expiry := s.now().UTC().Add(lifetime)
	addr, err := s.derivePersist(ctx, gateway.AddressMerchantPayment, func(a *gateway.PaymentAddress) {
		a.MerchantID = req.MerchantID
		a.Currency = currency
		a.Expected = req.Expected
		a.ExpiresAt = &expiry
		a.Monitored = true
	})
	if err != nil {
		return nil, err
	}
	issuedMeter.Mark(1)
	s.log.Info("Payment address issued", "address", addr.Address, "index", addr.HDIndex,
		"merchant", req.MerchantID, "expected", req.Expected, "expires", expiry)

	if s.hooks != nil {
		if err := s.hooks.Emit(ctx, req.MerchantID, gateway.EventAddressCreated, map[string]interface{}{
			"addressId":      addr.ID,
			"address":        addr.Address,
			"currency":       currency,
			"expectedAmount": req.Expected.String(),
			"expiresAt":      expiry.Format(time.RFC3339),
		}); err != nil {
			s.log.Error("Webhook emit failed", "event", gateway.EventAddressCreated, "err", err)
		}
	}
	return addr, nil
}

// EnsureHotWallet returns the active hot wallet for a currency, deriving one
// on the hot branch if none exists yet. Called once at startup.
func (s *Service) EnsureHotWallet(ctx context.Context, currency string) (*gateway.PaymentAddress, error) {
	if currency == "" {
		currency = s.currency
	}
	hot, err := s.store.ActiveHotWallet(ctx, currency)
	if err == nil {
		return hot, nil
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}

	release, err := s.lock.acquire(ctx, s.log)
	if err != nil {
		return nil, err
	}
	defer release()

	// Another worker may have provisioned it while we waited on the lock.
	if hot, err := s.store.ActiveHotWallet(ctx, currency); err == nil {
		return hot, nil
	} else if !errors.Is(err, gateway.ErrNotFound) {
		return nil, err
	}

	hot, err = s.derivePersist(ctx, gateway.AddressHotWallet, func(a *gateway.PaymentAddress) {
		a.Currency = currency
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("Hot wallet provisioned", "address", hot.Address, "currency", currency)
	return hot, nil
}

// derivePersist allocates the next index on the kind's branch, derives the
// key, seals it and writes the row. Must be called under the generation lock.
func (s *Service) derivePersist(ctx context.Context, kind gateway.AddressKind, fill func(*gateway.PaymentAddress)) (*gateway.PaymentAddress, error) {
	for attempt := 0; attempt < indexRetries; attempt++ {
		max, any, err := s.store.MaxAddressIndex(ctx, kind)
		if err != nil {
			return nil, err
		}
		index := uint32(0)
		if any {
			index = max + 1
		}

		key, ethAddr, path, err := s.tree.derive(kind, index)
		if err != nil {
			return nil, err
		}
		blob, err := s.vault.Encrypt(crypto.FromECDSA(key))
		if err != nil {
			return nil, err
		}

		now := s.now().UTC()
		a := &gateway.PaymentAddress{
			ID:        uuid.NewString(),
			Address:   strings.ToLower(ethAddr.Hex()),
			HDPath:    path,
			HDIndex:   index,
			Encrypted: blob,
			Kind:      kind,
			Status:    gateway.AddressActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		fill(a)

		err = s.store.InsertAddress(ctx, a)
		if err == nil {
			return a, nil
		}
		if errors.Is(err, gateway.ErrAddressExists) {
			collideMeter.Mark(1)
			s.log.Warn("Address index collision, re-reading", "kind", kind, "index", index)
			continue
		}
		return nil, err
	}
	return nil, gateway.Retriable(fmt.Errorf("wallet: %s index contention after %d attempts: %w",
		kind, indexRetries, gateway.ErrExhausted))
}

// PrivateKey decrypts the signing key stored with an address and verifies it
// actually controls that address before handing it to a broadcaster.
func (s *Service) PrivateKey(addr *gateway.PaymentAddress) (*ecdsa.PrivateKey, error) {
	plain, err := s.vault.Decrypt(addr.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("wallet: address %s: %w", addr.Address, err)
	}
	key, err := crypto.ToECDSA(plain)
	if err != nil {
		return nil, fmt.Errorf("wallet: address %s: %w", addr.Address, err)
	}
	if !strings.EqualFold(crypto.PubkeyToAddress(key.PublicKey).Hex(), addr.Address) {
		return nil, fmt.Errorf("wallet: key for %s does not match the address", addr.Address)
	}
	return key, nil
}
