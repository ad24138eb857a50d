package ethereum

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"gotchi-caretaker/internal/care"
	xerrors "gotchi-caretaker/internal/errors"
	"gotchi-caretaker/internal/web3"
	"gotchi-caretaker/internal/web3/identity"
)

const interactABI = `[{"type":"function","name":"interact","inputs":[{"name":"_tokenIds","type":"uint256[]"}],"outputs":[],"stateMutability":"nonpayable"}]`

var (
	stopContract   = common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	revertContract = common.HexToAddress("0x00000000000000000000000000000000000c0de2")
	emptyAccount   = common.HexToAddress("0x00000000000000000000000000000000000c0de3")
)

// simChain mines a block after every accepted transaction and, when
// mineOnHead is set, on every head query so confirmation depth advances.
type simChain struct {
	*backends.SimulatedBackend
	mineOnSend bool
	mineOnHead bool
	sent       atomic.Int32
	chainIDErr error
}

func (s *simChain) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if err := s.SimulatedBackend.SendTransaction(ctx, tx); err != nil {
		return err
	}
	s.sent.Add(1)
	if s.mineOnSend {
		s.Commit()
	}
	return nil
}

func (s *simChain) BlockNumber(ctx context.Context) (uint64, error) {
	if s.mineOnHead {
		s.Commit()
	}
	return s.SimulatedBackend.BlockNumber(ctx)
}

func (s *simChain) ChainID(ctx context.Context) (*big.Int, error) {
	if s.chainIDErr != nil {
		return nil, s.chainIDErr
	}
	return s.SimulatedBackend.ChainID(ctx)
}

func newSimChain(t *testing.T, funded ...common.Address) *simChain {
	t.Helper()
	alloc := coretypes.GenesisAlloc{
		stopContract:   {Code: []byte{0x00}, Balance: big.NewInt(0)},
		revertContract: {Code: common.FromHex("0x60006000fd"), Balance: big.NewInt(0)},
	}
	for _, addr := range funded {
		alloc[addr] = coretypes.Account{Balance: big.NewInt(1_000_000_000_000_000_000)}
	}
	backend := backends.NewSimulatedBackend(alloc, 30_000_000)
	t.Cleanup(func() { _ = backend.Close() })
	return &simChain{SimulatedBackend: backend, mineOnSend: true}
}

func staticDialer(chain web3.ChainBackend) Dialer {
	return func(context.Context, string) (web3.ChainBackend, func(), error) {
		return chain, nil, nil
	}
}

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return identity.FromPrivateKey(key)
}

func mustInterface(t *testing.T, raw string) abi.ABI {
	t.Helper()
	parsed, err := ParseInterface(raw)
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return parsed
}

func batchOf(ids ...int64) care.Batch {
	out := make(care.Batch, 0, len(ids))
	for _, id := range ids {
		out = append(out, big.NewInt(id))
	}
	return out
}

func TestSubmitBatchInteractionConfirms(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id := newIdentity(t)
	chain := newSimChain(t, id.Address())
	submitter := NewSubmitter(WithDialer(staticDialer(chain)), WithPollInterval(10*time.Millisecond))

	receipt, err := submitter.SubmitBatchInteraction(ctx, batchOf(3, 1, 4), id, "sim", stopContract, mustInterface(t, interactABI))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("unexpected status %d", receipt.Status)
	}
	if chain.sent.Load() != 1 {
		t.Fatalf("expected exactly one transaction, got %d", chain.sent.Load())
	}

	tx, _, err := chain.TransactionByHash(ctx, receipt.TxHash)
	if err != nil {
		t.Fatalf("lookup tx: %v", err)
	}
	if tx.To() == nil || *tx.To() != stopContract {
		t.Fatalf("unexpected recipient %v", tx.To())
	}
	iface := mustInterface(t, interactABI)
	method := iface.Methods[InteractMethod]
	if !bytes.HasPrefix(tx.Data(), method.ID) {
		t.Fatalf("calldata does not start with interact selector")
	}
	decoded, err := care.UnpackArgument(tx.Data()[4:])
	if err != nil {
		t.Fatalf("decode calldata: %v", err)
	}
	if got := decoded.Strings(); len(got) != 3 || got[0] != "3" || got[1] != "1" || got[2] != "4" {
		t.Fatalf("unexpected calldata ids %v", got)
	}
}

func TestSubmitBatchInteractionWaitsForDepth(t *testing.T) {
	ctx := context.Background()
	id := newIdentity(t)
	chain := newSimChain(t, id.Address())
	chain.mineOnHead = true

	submitter := NewSubmitter(
		WithDialer(staticDialer(chain)),
		WithPollInterval(5*time.Millisecond),
		WithConfirmations(3),
		WithConfirmationTimeout(5*time.Second),
	)
	receipt, err := submitter.SubmitBatchInteraction(ctx, batchOf(1, 2), id, "sim", stopContract, mustInterface(t, interactABI))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	head, err := chain.SimulatedBackend.BlockNumber(ctx)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head-receipt.BlockNumber+1 < 3 {
		t.Fatalf("returned before depth 3: mined %d head %d", receipt.BlockNumber, head)
	}
}

func TestSubmitBatchInteractionReverted(t *testing.T) {
	id := newIdentity(t)
	chain := newSimChain(t, id.Address())
	submitter := NewSubmitter(
		WithDialer(staticDialer(chain)),
		WithPollInterval(10*time.Millisecond),
		WithGasLimit(100_000),
	)

	_, err := submitter.SubmitBatchInteraction(context.Background(), batchOf(1, 2), id, "sim", revertContract, mustInterface(t, interactABI))
	if !errors.Is(err, ErrConfirmationFailed) {
		t.Fatalf("expected confirmation failure, got %v", err)
	}
	if xerrors.MetadataOf(err)["tx_hash"] == "" {
		t.Fatalf("expected tx hash metadata")
	}
}

func TestSubmitBatchInteractionTimeout(t *testing.T) {
	id := newIdentity(t)
	chain := newSimChain(t, id.Address())
	chain.mineOnSend = false

	submitter := NewSubmitter(
		WithDialer(staticDialer(chain)),
		WithPollInterval(10*time.Millisecond),
		WithConfirmationTimeout(100*time.Millisecond),
	)
	_, err := submitter.SubmitBatchInteraction(context.Background(), batchOf(1, 2), id, "sim", stopContract, mustInterface(t, interactABI))
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected confirmation timeout, got %v", err)
	}
	if xerrors.MetadataOf(err)["tx_hash"] == "" {
		t.Fatalf("timeout must carry the broadcast hash")
	}
	if chain.sent.Load() != 1 {
		t.Fatalf("expected the transaction to have been broadcast")
	}
}

func TestSubmitBatchInteractionBroadcastFailures(t *testing.T) {
	t.Run("unfunded signer", func(t *testing.T) {
		id := newIdentity(t)
		chain := newSimChain(t)
		submitter := NewSubmitter(WithDialer(staticDialer(chain)))
		_, err := submitter.SubmitBatchInteraction(context.Background(), batchOf(1, 2), id, "sim", stopContract, mustInterface(t, interactABI))
		if !errors.Is(err, ErrBroadcast) {
			t.Fatalf("expected broadcast error, got %v", err)
		}
	})

	t.Run("no contract code", func(t *testing.T) {
		id := newIdentity(t)
		chain := newSimChain(t, id.Address())
		submitter := NewSubmitter(WithDialer(staticDialer(chain)))
		_, err := submitter.SubmitBatchInteraction(context.Background(), batchOf(1, 2), id, "sim", emptyAccount, mustInterface(t, interactABI))
		if !errors.Is(err, ErrBroadcast) {
			t.Fatalf("expected broadcast error, got %v", err)
		}
		if chain.sent.Load() != 0 {
			t.Fatalf("nothing should have been sent")
		}
	})
}

func TestSubmitBatchInteractionSigningBinding(t *testing.T) {
	id := newIdentity(t)
	chain := newSimChain(t, id.Address())
	chain.chainIDErr = errors.New("method eth_chainId not supported")

	submitter := NewSubmitter(WithDialer(staticDialer(chain)))
	_, err := submitter.SubmitBatchInteraction(context.Background(), batchOf(1, 2), id, "sim", stopContract, mustInterface(t, interactABI))
	if !errors.Is(err, ErrSigningBinding) {
		t.Fatalf("expected signing binding error, got %v", err)
	}
}

func TestSubmitBatchInteractionEndpointUnreachable(t *testing.T) {
	t.Run("dial failure", func(t *testing.T) {
		failing := func(context.Context, string) (web3.ChainBackend, func(), error) {
			return nil, nil, errors.New("no route")
		}
		submitter := NewSubmitter(WithDialer(failing))
		_, err := submitter.SubmitBatchInteraction(context.Background(), batchOf(1, 2), newIdentity(t), "http://x", stopContract, mustInterface(t, interactABI))
		if !errors.Is(err, ErrEndpointUnreachable) {
			t.Fatalf("expected unreachable, got %v", err)
		}
	})

	t.Run("refused connection", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		submitter := NewSubmitter()
		_, err := submitter.SubmitBatchInteraction(context.Background(), batchOf(1, 2), newIdentity(t), url, stopContract, mustInterface(t, interactABI))
		if !errors.Is(err, ErrEndpointUnreachable) {
			t.Fatalf("expected unreachable, got %v", err)
		}
		if xerrors.StageOf(err) != xerrors.StageSubmit {
			t.Fatalf("unexpected stage %s", xerrors.StageOf(err))
		}
	})
}

func TestSubmitBatchInteractionRefusesSmallBatches(t *testing.T) {
	dialed := false
	dialer := func(context.Context, string) (web3.ChainBackend, func(), error) {
		dialed = true
		return nil, nil, errors.New("unused")
	}
	submitter := NewSubmitter(WithDialer(dialer))
	for _, batch := range []care.Batch{nil, batchOf(1)} {
		_, err := submitter.SubmitBatchInteraction(context.Background(), batch, newIdentity(t), "sim", stopContract, mustInterface(t, interactABI))
		if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("expected invalid argument, got %v", err)
		}
	}
	if dialed {
		t.Fatalf("small batches must not reach the network")
	}
}

func TestResolveInteract(t *testing.T) {
	cases := map[string]string{
		"absent":    `[{"type":"function","name":"pet","inputs":[{"name":"ids","type":"uint256[]"}],"outputs":[]}]`,
		"wrong arg": `[{"type":"function","name":"interact","inputs":[{"name":"id","type":"uint256"}],"outputs":[]}]`,
		"narrow":    `[{"type":"function","name":"interact","inputs":[{"name":"ids","type":"uint32[]"}],"outputs":[]}]`,
		"ambiguous": `[{"type":"function","name":"interact","inputs":[{"name":"ids","type":"uint256[]"}],"outputs":[]},
			{"type":"function","name":"interact","inputs":[{"name":"ids","type":"uint256[]"},{"name":"k","type":"uint8"}],"outputs":[]}]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ResolveInteract(mustInterface(t, raw))
			if !errors.Is(err, ErrInterfaceResolution) {
				t.Fatalf("expected interface resolution error, got %v", err)
			}
		})
	}

	method, err := ResolveInteract(mustInterface(t, interactABI))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if method.Sig != "interact(uint256[])" {
		t.Fatalf("unexpected signature %s", method.Sig)
	}
}

func TestSubmitBatchInteractionMissingMethodDoesNotSend(t *testing.T) {
	id := newIdentity(t)
	chain := newSimChain(t, id.Address())
	submitter := NewSubmitter(WithDialer(staticDialer(chain)))

	iface := mustInterface(t, `[{"type":"function","name":"pet","inputs":[],"outputs":[]}]`)
	_, err := submitter.SubmitBatchInteraction(context.Background(), batchOf(1, 2), id, "sim", stopContract, iface)
	if !errors.Is(err, ErrInterfaceResolution) {
		t.Fatalf("expected interface resolution error, got %v", err)
	}
	if chain.sent.Load() != 0 {
		t.Fatalf("nothing should have been sent")
	}
}
