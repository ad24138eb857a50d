package ethereum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"gotchi-caretaker/internal/care"
	xerrors "gotchi-caretaker/internal/errors"
	"gotchi-caretaker/internal/web3"
	"gotchi-caretaker/internal/web3/identity"
	"gotchi-caretaker/pkg/logger"
)

const (
	// InteractMethod is the contract method performing the care action.
	InteractMethod = "interact"

	DefaultEndpoint            = "http://localhost:8545"
	DefaultConfirmations       = 1
	DefaultConfirmationTimeout = 10 * time.Minute
	defaultPollInterval        = 2 * time.Second
)

// Dialer opens a backend for an endpoint URL. The returned func releases it.
type Dialer func(ctx context.Context, endpointURL string) (web3.ChainBackend, func(), error)

// DialEndpoint connects to an HTTP or WebSocket JSON-RPC endpoint.
func DialEndpoint(ctx context.Context, endpointURL string) (web3.ChainBackend, func(), error) {
	endpointURL = strings.TrimSpace(endpointURL)
	if endpointURL == "" {
		return nil, nil, errors.New("no RPC endpoint configured")
	}
	rpcClient, err := gethrpc.DialContext(ctx, endpointURL)
	if err != nil {
		return nil, nil, err
	}
	eth := ethclient.NewClient(rpcClient)
	return eth, eth.Close, nil
}

// Submitter sends the batched interact transaction and waits for it to be
// confirmed.
type Submitter struct {
	dial          Dialer
	confirmations uint64
	timeout       time.Duration
	pollInterval  time.Duration
	gasLimit      uint64
	log           *slog.Logger
}

// SubmitterOption configures a Submitter.
type SubmitterOption func(*Submitter)

// WithDialer replaces the JSON-RPC dialer.
func WithDialer(dial Dialer) SubmitterOption {
	return func(s *Submitter) {
		if dial != nil {
			s.dial = dial
		}
	}
}

// WithConfirmations sets the confirmation depth; 1 means "mined".
func WithConfirmations(depth uint64) SubmitterOption {
	return func(s *Submitter) {
		if depth > 0 {
			s.confirmations = depth
		}
	}
}

// WithConfirmationTimeout bounds the wait for confirmation.
func WithConfirmationTimeout(timeout time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithPollInterval sets how often receipts and head are polled.
func WithPollInterval(interval time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithGasLimit pins the gas limit instead of estimating it.
func WithGasLimit(limit uint64) SubmitterOption {
	return func(s *Submitter) {
		s.gasLimit = limit
	}
}

// NewSubmitter builds a Submitter with the given options.
func NewSubmitter(opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		dial:          DialEndpoint,
		confirmations: DefaultConfirmations,
		timeout:       DefaultConfirmationTimeout,
		pollInterval:  defaultPollInterval,
		log:           logger.Named("submitter"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SubmitBatchInteraction performs interact(args) on contract signed by id and
// returns once the transaction has the configured number of confirmations.
// Callers decide whether a batch is worth sending; batches of one or fewer
// identifiers are refused.
func (s *Submitter) SubmitBatchInteraction(ctx context.Context, args care.Batch, id *identity.Identity, endpointURL string, contract common.Address, iface abi.ABI) (*web3.Receipt, error) {
	if len(args) <= 1 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("refusing to submit a batch of %d", len(args)))
	}
	if id == nil {
		return nil, xerrors.New(CodeSigningBinding, "no signing identity")
	}

	backend, release, err := s.dial(ctx, endpointURL)
	if err != nil {
		return nil, xerrors.Wrap(CodeEndpointUnreachable, err, fmt.Sprintf("dial %s", endpointURL))
	}
	if release != nil {
		defer release()
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		if isNetworkError(err) {
			return nil, xerrors.Wrap(CodeEndpointUnreachable, err, fmt.Sprintf("reach %s", endpointURL))
		}
		return nil, xerrors.Wrap(CodeSigningBinding, err, "resolve chain id")
	}
	auth, err := id.TransactOpts(chainID)
	if err != nil {
		return nil, xerrors.Wrap(CodeSigningBinding, err, fmt.Sprintf("bind signer on chain %s", chainID))
	}
	auth.Context = ctx
	auth.GasLimit = s.gasLimit

	method, err := ResolveInteract(iface)
	if err != nil {
		return nil, err
	}

	bound := bind.NewBoundContract(contract, iface, backend, backend, backend)
	tx, err := bound.Transact(auth, method.Name, []*big.Int(args))
	if err != nil {
		return nil, xerrors.Wrap(CodeBroadcast, err, fmt.Sprintf("send %s with %d ids", method.Sig, len(args)))
	}

	hash := tx.Hash().Hex()
	logger.Audit().Info("interaction broadcast",
		slog.String("tx_hash", hash),
		slog.String("from", id.Address().Hex()),
		slog.String("contract", contract.Hex()),
		slog.String("chain_id", chainID.String()),
		slog.Int("batch_size", len(args)),
		slog.Uint64("nonce", tx.Nonce()),
	)
	s.log.Info("transaction pending", slog.String("tx_hash", hash))

	receipt, err := s.waitConfirmed(ctx, backend, tx)
	if err != nil {
		logger.Audit().Warn("interaction broadcast but unconfirmed",
			slog.String("tx_hash", hash),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	logger.Audit().Info("interaction confirmed",
		slog.String("tx_hash", hash),
		slog.Uint64("block_number", receipt.BlockNumber),
		slog.Uint64("gas_used", receipt.GasUsed),
	)
	return receipt, nil
}

func (s *Submitter) waitConfirmed(ctx context.Context, backend web3.ChainBackend, tx *coretypes.Transaction) (*web3.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	hash := tx.Hash()
	timeoutErr := func(cause error) error {
		return xerrors.Wrap(CodeConfirmationTimeout, cause,
			fmt.Sprintf("transaction %s not confirmed within %s", hash.Hex(), s.timeout),
			xerrors.WithMetadata("tx_hash", hash.Hex()))
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var receipt *coretypes.Receipt
	for receipt == nil {
		r, err := backend.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil && r != nil:
			receipt = r
			continue
		case err != nil && !errors.Is(err, gethcore.NotFound) && waitCtx.Err() == nil:
			s.log.Debug("receipt lookup failed", slog.String("tx_hash", hash.Hex()), slog.Any("error", err))
		}
		select {
		case <-waitCtx.Done():
			return nil, timeoutErr(waitCtx.Err())
		case <-ticker.C:
		}
	}

	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return nil, xerrors.New(CodeConfirmationFailed,
			fmt.Sprintf("transaction %s reverted in block %s", hash.Hex(), receipt.BlockNumber),
			xerrors.WithMetadata("tx_hash", hash.Hex()))
	}

	mined := receipt.BlockNumber.Uint64()
	for s.confirmations > 1 {
		head, err := backend.BlockNumber(waitCtx)
		if err == nil && head >= mined && head-mined+1 >= s.confirmations {
			break
		}
		select {
		case <-waitCtx.Done():
			return nil, timeoutErr(waitCtx.Err())
		case <-ticker.C:
		}
	}

	return &web3.Receipt{
		TxHash:      hash,
		BlockNumber: mined,
		GasUsed:     receipt.GasUsed,
		Status:      receipt.Status,
	}, nil
}

// ResolveInteract finds the single interact(uint256[]) method of iface.
func ResolveInteract(iface abi.ABI) (abi.Method, error) {
	var matches []abi.Method
	for _, m := range iface.Methods {
		if m.RawName == InteractMethod {
			matches = append(matches, m)
		}
	}
	switch len(matches) {
	case 0:
		return abi.Method{}, xerrors.New(CodeInterfaceResolution, "contract interface has no interact method")
	case 1:
	default:
		sigs := make([]string, 0, len(matches))
		for _, m := range matches {
			sigs = append(sigs, m.Sig)
		}
		return abi.Method{}, xerrors.New(CodeInterfaceResolution,
			fmt.Sprintf("interact is ambiguous: %s", strings.Join(sigs, ", ")))
	}

	method := matches[0]
	if len(method.Inputs) != 1 || !isUint256Slice(method.Inputs[0].Type) {
		return abi.Method{}, xerrors.New(CodeInterfaceResolution,
			fmt.Sprintf("unexpected signature %s, want interact(uint256[])", method.Sig))
	}
	return method, nil
}

func isUint256Slice(t abi.Type) bool {
	return t.T == abi.SliceTy && t.Elem != nil && t.Elem.T == abi.UintTy && t.Elem.Size == 256
}

// ParseInterface decodes a JSON contract interface description.
func ParseInterface(abiJSON string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return abi.ABI{}, xerrors.Wrap(CodeInterfaceResolution, err, "parse contract interface")
	}
	return parsed, nil
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
