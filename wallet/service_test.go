package wallet

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stablepay/bpgw/config"
	"github.com/stablepay/bpgw/gateway"
)

type memStore struct {
	mu     sync.Mutex
	byAddr map[string]*gateway.PaymentAddress
	byKind map[gateway.AddressKind][]*gateway.PaymentAddress

	insertDelay   time.Duration // widens the race window in concurrency tests
	hideIndexOnce bool          // one stale MaxAddressIndex read
}

func newMemStore() *memStore {
	return &memStore{
		byAddr: make(map[string]*gateway.PaymentAddress),
		byKind: make(map[gateway.AddressKind][]*gateway.PaymentAddress),
	}
}

func (m *memStore) MaxAddressIndex(_ context.Context, kind gateway.AddressKind) (uint32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hideIndexOnce {
		m.hideIndexOnce = false
		return 0, false, nil
	}
	var max uint32
	var any bool
	for _, a := range m.byKind[kind] {
		if !any || a.HDIndex > max {
			max = a.HDIndex
		}
		any = true
	}
	return max, any, nil
}

func (m *memStore) InsertAddress(_ context.Context, a *gateway.PaymentAddress) error {
	time.Sleep(m.insertDelay)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byAddr[a.Address]; dup {
		return gateway.ErrAddressExists
	}
	cp := *a
	m.byAddr[a.Address] = &cp
	m.byKind[a.Kind] = append(m.byKind[a.Kind], &cp)
	return nil
}

func (m *memStore) ActiveHotWallet(_ context.Context, currency string) (*gateway.PaymentAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byKind[gateway.AddressHotWallet] {
		if a.Status == gateway.AddressActive && a.Currency == currency {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Wallet.Seed = strings.Repeat("ab", 32)
	cfg.Security.EncryptionKey = strings.Repeat("cd", 32)
	return cfg
}

func newService(t *testing.T, st Store) *Service {
	t.Helper()
	svc, err := NewService(st, nil, testConfig(), log.New("test", "wallet"))
	require.NoError(t, err)
	return svc
}

func TestVaultRoundTrip(t *testing.T) {
	v, err := NewVault(strings.Repeat("cd", 32))
	require.NoError(t, err)

	plain := []byte("not actually a key")
	blob, err := v.Encrypt(plain)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(blob, "v1:"))

	got, err := v.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, plain, got)

	// Each blob gets a fresh IV.
	blob2, err := v.Encrypt(plain)
	require.NoError(t, err)
	require.NotEqual(t, blob, blob2)
}

func TestVaultRejectsBadBlobs(t *testing.T) {
	v, err := NewVault(strings.Repeat("cd", 32))
	require.NoError(t, err)

	for _, blob := range []string{"", "v1", "v2:00", "v1:zz", "v1:0011"} {
		_, err := v.Decrypt(blob)
		require.Error(t, err, "blob %q", blob)
	}
}

func TestDerivationIsDeterministic(t *testing.T) {
	cfg := testConfig()
	t1, err := newKeyTree(&cfg.Wallet)
	require.NoError(t, err)
	t2, err := newKeyTree(&cfg.Wallet)
	require.NoError(t, err)

	_, addr1, path1, err := t1.derive(gateway.AddressMerchantPayment, 7)
	require.NoError(t, err)
	_, addr2, path2, err := t2.derive(gateway.AddressMerchantPayment, 7)
	require.NoError(t, err)

	require.Equal(t, addr1, addr2, "same seed, same index, same address")
	require.Equal(t, path1, path2)
	require.Equal(t, cfg.Wallet.HDBasePath+"/7", path1)
}

func TestHotBranchDoesNotCollide(t *testing.T) {
	cfg := testConfig()
	tree, err := newKeyTree(&cfg.Wallet)
	require.NoError(t, err)

	_, pay, _, err := tree.derive(gateway.AddressMerchantPayment, 0)
	require.NoError(t, err)
	_, hot, hotPath, err := tree.derive(gateway.AddressHotWallet, 0)
	require.NoError(t, err)

	require.NotEqual(t, pay, hot, "branches share an index space only within themselves")
	require.NotContains(t, hotPath, cfg.Wallet.HDBasePath+"/0")
}

func TestIssuePersistsEncryptedKey(t *testing.T) {
	st := newMemStore()
	svc := newService(t, st)

	addr, err := svc.Issue(context.Background(), IssueRequest{
		MerchantID: "m1",
		Expected:   decimal.RequireFromString("150"),
	})
	require.NoError(t, err)

	require.Equal(t, gateway.AddressActive, addr.Status)
	require.Equal(t, gateway.AddressMerchantPayment, addr.Kind)
	require.Equal(t, uint32(0), addr.HDIndex)
	require.Equal(t, "USDT", addr.Currency)
	require.True(t, addr.Monitored)
	require.NotNil(t, addr.ExpiresAt)
	require.Equal(t, strings.ToLower(addr.Address), addr.Address)
	require.True(t, strings.HasPrefix(addr.Encrypted, "v1:"))
	require.NotContains(t, addr.Encrypted, "0x", "no plaintext key material")

	// The stored blob opens back into the key controlling the address.
	key, err := svc.PrivateKey(addr)
	require.NoError(t, err)
	require.Equal(t, strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()), addr.Address)
}

func TestIssueValidatesRequest(t *testing.T) {
	svc := newService(t, newMemStore())

	_, err := svc.Issue(context.Background(), IssueRequest{Expected: decimal.RequireFromString("1")})
	require.Error(t, err, "merchant required")

	_, err = svc.Issue(context.Background(), IssueRequest{MerchantID: "m1"})
	require.Error(t, err, "amount required")
}

func TestConcurrentIssuersGetContiguousIndices(t *testing.T) {
	st := newMemStore()
	st.insertDelay = 2 * time.Millisecond
	svc := newService(t, st)

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Issue(context.Background(), IssueRequest{
				MerchantID: "m1",
				Expected:   decimal.RequireFromString("10"),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "issuer %d", i)
	}
	var indices []int
	for _, a := range st.byKind[gateway.AddressMerchantPayment] {
		indices = append(indices, int(a.HDIndex))
	}
	sort.Ints(indices)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, indices)
	require.Len(t, st.byAddr, n, "every issuer got a distinct address")
}

func TestIssueRetriesOnCollision(t *testing.T) {
	st := newMemStore()
	svc := newService(t, st)

	// Simulate another process having taken index 0: pre-insert the row the
	// derivation would produce.
	_, ethAddr, path, err := svc.tree.derive(gateway.AddressMerchantPayment, 0)
	require.NoError(t, err)
	require.NoError(t, st.InsertAddress(context.Background(), &gateway.PaymentAddress{
		ID:      "foreign",
		Address: strings.ToLower(ethAddr.Hex()),
		HDPath:  path,
		HDIndex: 0,
		Kind:    gateway.AddressMerchantPayment,
		Status:  gateway.AddressActive,
	}))
	// But serve one stale index read so the first attempt collides.
	st.hideIndexOnce = true

	addr, err := svc.Issue(context.Background(), IssueRequest{
		MerchantID: "m1",
		Expected:   decimal.RequireFromString("10"),
	})
	require.NoError(t, err)
	require.NotEqual(t, "foreign", addr.ID)
	require.Equal(t, uint32(1), addr.HDIndex, "re-read found the taken index")
}

func TestEnsureHotWalletProvisionsOnce(t *testing.T) {
	st := newMemStore()
	svc := newService(t, st)

	first, err := svc.EnsureHotWallet(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, gateway.AddressHotWallet, first.Kind)
	require.Equal(t, "USDT", first.Currency)
	require.Empty(t, first.MerchantID)
	require.Nil(t, first.ExpiresAt, "hot wallets do not expire")

	second, err := svc.EnsureHotWallet(context.Background(), "USDT")
	require.NoError(t, err)
	require.Equal(t, first.Address, second.Address)
	require.Len(t, st.byKind[gateway.AddressHotWallet], 1)
}

func TestGenerationLockTimesOut(t *testing.T) {
	svc := newService(t, newMemStore())

	release, err := svc.lock.acquire(context.Background(), svc.log)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = svc.lock.acquire(ctx, svc.log)
	require.Error(t, err)
}
