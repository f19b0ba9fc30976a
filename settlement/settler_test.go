package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openx402/facilitator/chains"
	"github.com/openx402/facilitator/logger"
	"github.com/openx402/facilitator/metrics"
	"github.com/openx402/facilitator/registry"
	"github.com/openx402/facilitator/rpcpool"
	"github.com/openx402/facilitator/signer"
	"github.com/openx402/facilitator/types"
	"github.com/openx402/facilitator/verification"
)

// fakeAdapter is a scriptable chains.Adapter.
type fakeAdapter struct {
	mu sync.Mutex

	network       types.Network
	verifyResult  types.VerificationResult
	verifyErr     error
	verifyCalls   int
	signErr       error
	broadcastErr  error
	broadcastSeen int
	txID          string
	confirmation  chains.Confirmation
	confirmErr    error
}

func (f *fakeAdapter) Network() types.Network { return f.network }
func (f *fakeAdapter) SignerAddress() string  { return "0xfacilitator" }

func (f *fakeAdapter) Verify(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (types.VerificationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	return f.verifyResult, f.verifyErr
}

func (f *fakeAdapter) BuildTransaction(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (chains.Tx, error) {
	return "tx", nil
}

func (f *fakeAdapter) Sign(_ context.Context, tx chains.Tx) (chains.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signErr != nil {
		return nil, f.signErr
	}
	return tx, nil
}

func (f *fakeAdapter) Broadcast(context.Context, chains.Tx) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	f.broadcastSeen++
	return f.txID, nil
}

func (f *fakeAdapter) Confirm(context.Context, string) (chains.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmation, f.confirmErr
}

func (f *fakeAdapter) broadcasts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broadcastSeen
}

func (f *fakeAdapter) set(fn func(*fakeAdapter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newTestSettler(t *testing.T, adapter *fakeAdapter, store Store, opts Options) *Settler {
	t.Helper()
	reg, err := registry.NewStatic(adapter)
	require.NoError(t, err)
	verifier := verification.New(reg, metrics.NoopRecorder{}, logger.NoopLogger{})
	return New(reg, verifier, store, metrics.NoopRecorder{}, logger.NoopLogger{}, opts)
}

func validAdapter() *fakeAdapter {
	return &fakeAdapter{
		network:      types.NetworkBaseSepolia,
		verifyResult: types.VerificationResult{IsValid: true, Payer: "0xpayer"},
		txID:         "0xabc123",
		confirmation: chains.Confirmation{Status: chains.StatusConfirmed},
	}
}

func settleRequest() *types.VerifyRequest {
	return &types.VerifyRequest{
		X402Version: 1,
		PaymentPayload: types.PaymentPayload{
			X402Version: 1,
			Scheme:      "exact",
			Network:     "eip155:84532",
			Payload:     "b3BhcXVl",
		},
		PaymentRequirements: types.PaymentRequirements{
			Scheme:            "exact",
			Network:           "eip155:84532",
			MaxAmountRequired: "10000",
			PayTo:             "0xpayee",
			Asset:             "0xtoken",
			MaxTimeoutSeconds: 60,
		},
	}
}

func fastOptions() Options {
	return Options{
		PollInterval: 10 * time.Millisecond,
		MaxWait:      2 * time.Second,
	}
}

func TestSettleConfirms(t *testing.T) {
	adapter := validAdapter()
	store := NewMemoryStore()
	settler := newTestSettler(t, adapter, store, fastOptions())

	result := settler.Settle(context.Background(), settleRequest())

	assert.True(t, result.Success)
	assert.Equal(t, "0xabc123", result.Transaction)
	assert.Equal(t, "eip155:84532", result.Network)
	assert.Equal(t, "0xpayer", result.Payer)
	assert.Empty(t, result.ErrorReason)

	key, err := IdempotencyKey(settleRequest())
	require.NoError(t, err)
	rec, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, rec.State)
}

func TestSettleRejectedIsTerminal(t *testing.T) {
	adapter := validAdapter()
	adapter.verifyResult = types.Invalid(types.ReasonNonceAlreadyUsed).WithPayer("0xpayer")
	store := NewMemoryStore()
	settler := newTestSettler(t, adapter, store, fastOptions())

	result := settler.Settle(context.Background(), settleRequest())
	assert.False(t, result.Success)
	assert.Equal(t, types.ReasonNonceAlreadyUsed, result.ErrorReason)
	assert.Zero(t, adapter.broadcasts())

	// A repeat returns the recorded verdict without re-verifying.
	again := settler.Settle(context.Background(), settleRequest())
	assert.Equal(t, result, again)
	adapter.mu.Lock()
	calls := adapter.verifyCalls
	adapter.mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestConcurrentSettlesBroadcastOnce(t *testing.T) {
	adapter := validAdapter()
	settler := newTestSettler(t, adapter, NewMemoryStore(), fastOptions())

	const workers = 8
	results := make([]types.SettlementResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = settler.Settle(context.Background(), settleRequest())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, adapter.broadcasts())
	for _, result := range results {
		assert.True(t, result.Success)
		assert.Equal(t, "0xabc123", result.Transaction)
	}
}

func TestTransientBroadcastFailureIsRetryable(t *testing.T) {
	adapter := validAdapter()
	adapter.broadcastErr = &rpcpool.Error{Kind: rpcpool.Transient, Chain: "eip155:84532", Err: errors.New("all endpoints down")}
	store := NewMemoryStore()
	settler := newTestSettler(t, adapter, store, fastOptions())

	result := settler.Settle(context.Background(), settleRequest())
	assert.False(t, result.Success)
	assert.Equal(t, types.ReasonRPCUnavailable, result.ErrorReason)

	key, err := IdempotencyKey(settleRequest())
	require.NoError(t, err)
	rec, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StateVerified, rec.State)

	// Chain comes back; the next request resumes from the verified record.
	adapter.set(func(f *fakeAdapter) { f.broadcastErr = nil })
	result = settler.Settle(context.Background(), settleRequest())
	assert.True(t, result.Success)
	assert.Equal(t, "0xabc123", result.Transaction)
	assert.Equal(t, 1, adapter.broadcasts())
}

func TestPermanentBroadcastFailureIsFinal(t *testing.T) {
	adapter := validAdapter()
	adapter.broadcastErr = &rpcpool.Error{Kind: rpcpool.Permanent, Chain: "eip155:84532", Err: errors.New("insufficient funds for gas")}
	store := NewMemoryStore()
	settler := newTestSettler(t, adapter, store, fastOptions())

	result := settler.Settle(context.Background(), settleRequest())
	assert.False(t, result.Success)
	assert.Equal(t, types.ReasonUnexpectedError, result.ErrorReason)

	key, err := IdempotencyKey(settleRequest())
	require.NoError(t, err)
	rec, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
}

func TestVerificationOutageLeavesRecordRetryable(t *testing.T) {
	adapter := validAdapter()
	adapter.verifyErr = errors.New("connection refused")
	store := NewMemoryStore()
	settler := newTestSettler(t, adapter, store, fastOptions())

	result := settler.Settle(context.Background(), settleRequest())
	assert.False(t, result.Success)
	assert.Equal(t, types.ReasonRPCUnavailable, result.ErrorReason)

	adapter.set(func(f *fakeAdapter) { f.verifyErr = nil })
	result = settler.Settle(context.Background(), settleRequest())
	assert.True(t, result.Success)
}

func TestSettleTimesOutAwaitingConfirmation(t *testing.T) {
	adapter := validAdapter()
	adapter.confirmation = chains.Confirmation{Status: chains.StatusPending}
	store := NewMemoryStore()
	settler := newTestSettler(t, adapter, store, Options{
		PollInterval: 10 * time.Millisecond,
		MaxWait:      150 * time.Millisecond,
	})

	result := settler.Settle(context.Background(), settleRequest())
	assert.False(t, result.Success)
	assert.Equal(t, types.ReasonSettlementTimeout, result.ErrorReason)
	// The broadcast happened; the identifier survives for reconciliation.
	assert.Equal(t, "0xabc123", result.Transaction)

	key, err := IdempotencyKey(settleRequest())
	require.NoError(t, err)
	rec, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, "0xabc123", rec.Transaction)
}

func TestSubmittedRecordResumesConfirmation(t *testing.T) {
	adapter := validAdapter()
	store := NewMemoryStore()
	settler := newTestSettler(t, adapter, store, fastOptions())

	// A transaction was broadcast before a restart; its record survived
	// in the store but no worker is polling it.
	key, err := IdempotencyKey(settleRequest())
	require.NoError(t, err)
	_, _, err = store.GetOrCreate(context.Background(), &Record{
		Key:         key,
		State:       StateSubmitted,
		Network:     "eip155:84532",
		Payer:       "0xpayer",
		Transaction: "0xabc123",
	})
	require.NoError(t, err)

	result := settler.Settle(context.Background(), settleRequest())
	assert.True(t, result.Success)
	assert.Equal(t, "0xabc123", result.Transaction)
	// No second broadcast happened.
	assert.Zero(t, adapter.broadcasts())

	rec, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, rec.State)
}

// A duplicate request that gives up waiting on another worker's
// settlement must still carry a machine-readable reason, not an empty
// one.
func TestObserverTimeoutReportsPending(t *testing.T) {
	adapter := validAdapter()
	store := NewMemoryStore()
	opts := fastOptions()
	opts.MaxWait = 50 * time.Millisecond
	settler := newTestSettler(t, adapter, store, opts)

	// Another worker holds the settlement mid-flight; StateSettling is
	// never claimable by an observer.
	key, err := IdempotencyKey(settleRequest())
	require.NoError(t, err)
	_, _, err = store.GetOrCreate(context.Background(), &Record{
		Key:     key,
		State:   StateSettling,
		Network: "eip155:84532",
		Payer:   "0xpayer",
	})
	require.NoError(t, err)

	result := settler.Settle(context.Background(), settleRequest())
	assert.False(t, result.Success)
	assert.Equal(t, types.ReasonSettlementPending, result.ErrorReason)
	assert.Equal(t, "0xpayer", result.Payer)
	assert.Zero(t, adapter.broadcasts())
}

func TestSettleRevertedOnChain(t *testing.T) {
	adapter := validAdapter()
	adapter.confirmation = chains.Confirmation{Status: chains.StatusReverted, Reason: types.ReasonTransactionReverted}
	settler := newTestSettler(t, adapter, NewMemoryStore(), fastOptions())

	result := settler.Settle(context.Background(), settleRequest())
	assert.False(t, result.Success)
	assert.Equal(t, types.ReasonTransactionReverted, result.ErrorReason)
}

func TestSignerMissingFailsSettlement(t *testing.T) {
	adapter := validAdapter()
	adapter.signErr = signer.ErrSignerUnavailable
	settler := newTestSettler(t, adapter, NewMemoryStore(), fastOptions())

	result := settler.Settle(context.Background(), settleRequest())
	assert.False(t, result.Success)
	assert.Equal(t, types.ReasonSignerUnavailable, result.ErrorReason)
}

func TestRunGCExpiresTerminalRecords(t *testing.T) {
	adapter := validAdapter()
	store := NewMemoryStore()
	settler := newTestSettler(t, adapter, store, Options{
		PollInterval: 10 * time.Millisecond,
		MaxWait:      time.Second,
		Retention:    time.Nanosecond,
	})

	result := settler.Settle(context.Background(), settleRequest())
	require.True(t, result.Success)

	ctx, cancel := context.WithCancel(context.Background())
	go settler.RunGC(ctx, 10*time.Millisecond)

	key, err := IdempotencyKey(settleRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), key)
		return errors.Is(err, ErrNotFound)
	}, time.Second, 10*time.Millisecond)
	cancel()
}

func TestIdempotencyKeyIsStable(t *testing.T) {
	k1, err := IdempotencyKey(settleRequest())
	require.NoError(t, err)
	k2, err := IdempotencyKey(settleRequest())
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)

	other := settleRequest()
	other.PaymentPayload.Payload = "ZGlmZmVyZW50"
	k3, err := IdempotencyKey(other)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}
