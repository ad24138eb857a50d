package care

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/holiman/uint256"

	xerrors "gotchi-caretaker/internal/errors"
)

// CodeIdentifierRange marks an asset identifier that does not fit uint256.
const CodeIdentifierRange xerrors.Code = "IDENTIFIER_RANGE"

// ErrIdentifierRange can be matched with errors.Is.
var ErrIdentifierRange = xerrors.New(CodeIdentifierRange, "")

func init() {
	xerrors.Register(CodeIdentifierRange, xerrors.Attributes{
		Message:  "asset identifier out of uint256 range",
		Severity: xerrors.SeverityCritical,
		Stage:    xerrors.StageEncode,
		Alert:    true,
	})
}

// Batch is the ordered list of identifiers passed to interact(uint256[]).
type Batch []*big.Int

// Strings renders the batch as decimal strings, mostly for logging.
func (b Batch) Strings() []string {
	out := make([]string, len(b))
	for i, id := range b {
		out[i] = id.String()
	}
	return out
}

// BatchEncoder turns eligible assets into the contract call argument.
type BatchEncoder interface {
	Encode(assets []Asset) (Batch, error)
}

// UintBatchEncoder encodes identifiers as unsigned 256-bit integers.
type UintBatchEncoder struct{}

// Encode implements BatchEncoder.
func (UintBatchEncoder) Encode(assets []Asset) (Batch, error) {
	batch := make(Batch, 0, len(assets))
	for idx, asset := range assets {
		value, err := parseIdentifier(asset.ID)
		if err != nil {
			return nil, xerrors.Wrap(CodeIdentifierRange, err,
				fmt.Sprintf("asset #%d has identifier %q", idx, asset.ID),
				xerrors.WithMetadata("asset_id", asset.ID))
		}
		batch = append(batch, value)
	}
	return batch, nil
}

func parseIdentifier(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty identifier")
	}
	// FromDecimal rejects negatives, hex and anything above 2^256-1.
	value, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, err
	}
	return value.ToBig(), nil
}

var uintArrayArgs = mustUintArrayArguments()

func mustUintArrayArguments() abi.Arguments {
	typ, err := abi.NewType("uint256[]", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Name: "ids", Type: typ}}
}

// PackArgument ABI-encodes the batch as a single uint256[] value, the same
// bytes that follow the selector in interact calldata.
func PackArgument(batch Batch) ([]byte, error) {
	values := []*big.Int(batch)
	if values == nil {
		values = []*big.Int{}
	}
	return uintArrayArgs.Pack(values)
}

// UnpackArgument decodes bytes produced by PackArgument.
func UnpackArgument(data []byte) (Batch, error) {
	out, err := uintArrayArgs.Unpack(data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("expected 1 value, got %d", len(out))
	}
	values, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected decoded type %T", out[0])
	}
	return Batch(values), nil
}
