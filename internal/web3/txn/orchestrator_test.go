package txn

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DeFlow/internal/signer"
	"DeFlow/internal/web3"
	"DeFlow/internal/web3/chaintest"
)

var sepolia = web3.ChainConfig{Name: "sepolia", ChainID: big.NewInt(11155111), NativeSymbol: "ETH"}

type harness struct {
	backend *chaintest.Backend
	signer  *chaintest.Signer
	orch    *Orchestrator
	sleeps  []time.Duration
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{backend: chaintest.NewBackend(), signer: chaintest.NewSigner()}
	h.orch = New(h.backend.Provider(), h.signer, append([]Option{WithReceiptPolling(time.Millisecond, time.Second)}, opts...)...)
	h.orch.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) submit(t *testing.T) (*Receipt, error) {
	t.Helper()
	intent := Intent{To: common.HexToAddress("0x000000000000000000000000000000000000dEaD"), Value: big.NewInt(1e18), Label: "transfer"}
	return h.orch.Submit(context.Background(), sepolia, intent, h.signer.Address())
}

func TestSubmitBuildsBufferedLegacyTransaction(t *testing.T) {
	h := newHarness(t)
	h.backend.SetNonce(h.signer.Address(), 7)

	receipt, err := h.submit(t)
	require.NoError(t, err)

	sent := h.backend.Sent()
	require.Len(t, sent, 1)
	tx := sent[0]
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, big.NewInt(1_100_000_000), tx.GasPrice())
	assert.Equal(t, uint64(60000), tx.Gas())
	assert.Equal(t, 0, tx.ChainId().Cmp(sepolia.ChainID))
	assert.Equal(t, tx.Hash(), receipt.TxHash)
	assert.Equal(t, uint64(1), receipt.BlockNumber)
	assert.Empty(t, h.sleeps)
}

func TestSubmitRetriesNonceConflictsThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.backend.FailNextSends(errors.New("nonce too low"), errors.New("nonce has already been used"))

	receipt, err := h.submit(t)
	require.NoError(t, err)
	require.NotNil(t, receipt)

	assert.Equal(t, 3, h.backend.SendCalls())
	assert.Equal(t, 3, h.signer.Calls())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, h.sleeps)
	assert.Len(t, h.backend.Sent(), 1)
}

func TestSubmitExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	h.backend.FailNextSends(errors.New("nonce too low"), errors.New("nonce too low"), errors.New("NONCE_EXPIRED"))

	_, err := h.submit(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonceConflict)
	assert.Contains(t, err.Error(), "NONCE_EXPIRED")
	assert.Equal(t, 3, h.backend.SendCalls())
	assert.Len(t, h.sleeps, 2)
}

func TestSubmitHonoursMaxRetries(t *testing.T) {
	h := newHarness(t, WithMaxRetries(0))
	h.backend.FailNextSends(errors.New("nonce too low"))

	_, err := h.submit(t)
	assert.ErrorIs(t, err, ErrNonceConflict)
	assert.Equal(t, 1, h.backend.SendCalls())
}

func TestSubmitDoesNotRetryOtherErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"underpriced", errors.New("replacement transaction underpriced"), nil},
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), ErrInsufficientGasBalance},
		{"generic", errors.New("connection reset by peer"), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.backend.FailNextSends(tc.err)

			_, err := h.submit(t)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
			assert.NotErrorIs(t, err, ErrNonceConflict)
			assert.Equal(t, 1, h.backend.SendCalls())
			assert.Empty(t, h.sleeps)
		})
	}
}

func TestSubmitRevertedReceipt(t *testing.T) {
	h := newHarness(t)
	h.backend.RevertCallsTo(common.HexToAddress("0x000000000000000000000000000000000000dEaD"))

	_, err := h.submit(t)
	assert.ErrorIs(t, err, ErrTxReverted)
	assert.Equal(t, 1, h.backend.SendCalls())
}

func TestSubmitSignerDenied(t *testing.T) {
	h := newHarness(t)
	h.signer.Err = signer.ErrSigningDenied

	_, err := h.submit(t)
	assert.ErrorIs(t, err, signer.ErrSigningDenied)
	assert.Equal(t, 0, h.backend.SendCalls())
}

type foreignSigner struct {
	inner *chaintest.Signer
}

func (f foreignSigner) Sign(ctx context.Context, unsigned []byte, _ common.Address) ([]byte, error) {
	return f.inner.Sign(ctx, unsigned, f.inner.Address())
}

func TestSubmitRejectsSignatureFromAnotherAccount(t *testing.T) {
	backend := chaintest.NewBackend()
	orch := New(backend.Provider(), foreignSigner{inner: chaintest.NewSigner()}, WithReceiptPolling(time.Millisecond, time.Second))

	_, err := orch.Submit(context.Background(), sepolia, Intent{To: common.HexToAddress("0x01")}, common.HexToAddress("0x02"))
	assert.ErrorIs(t, err, signer.ErrSigningDenied)
	assert.Equal(t, 0, backend.SendCalls())
}

func TestIsNonceConflict(t *testing.T) {
	assert.True(t, IsNonceConflict(errors.New("broadcast transaction: Nonce too low: next nonce 5")))
	assert.True(t, IsNonceConflict(errors.New("NONCE_EXPIRED")))
	assert.False(t, IsNonceConflict(errors.New("replacement transaction underpriced")))
	assert.False(t, IsNonceConflict(nil))
}

func TestBufferGasPrice(t *testing.T) {
	assert.Equal(t, big.NewInt(110), BufferGasPrice(big.NewInt(100), 10))
	assert.Equal(t, big.NewInt(1), BufferGasPrice(big.NewInt(1), 10))
}
