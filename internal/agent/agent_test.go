package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gotchi-caretaker/internal/care"
	xerrors "gotchi-caretaker/internal/errors"
	"gotchi-caretaker/internal/observability/alerting"
	"gotchi-caretaker/internal/observability/metrics"
	"gotchi-caretaker/internal/subgraph"
	"gotchi-caretaker/internal/web3"
	"gotchi-caretaker/internal/web3/ethereum"
	"gotchi-caretaker/internal/web3/identity"
)

const testMnemonic = "test test test test test test test test test test test junk"

var testNow = time.Unix(100000, 0)

type stubSource struct {
	snapshot care.Snapshot
	err      error
	calls    int
	owner    common.Address
}

func (s *stubSource) FetchOwnedAssets(_ context.Context, owner common.Address, _ int) (care.Snapshot, error) {
	s.calls++
	s.owner = owner
	if s.err != nil {
		return care.Snapshot{}, s.err
	}
	s.snapshot.Owner = owner
	return s.snapshot, nil
}

type stubSubmitter struct {
	receipt *web3.Receipt
	err     error
	batches []care.Batch
}

func (s *stubSubmitter) SubmitBatchInteraction(_ context.Context, args care.Batch, _ *identity.Identity, _ string, _ common.Address, _ abi.ABI) (*web3.Receipt, error) {
	s.batches = append(s.batches, args)
	if s.err != nil {
		return nil, s.err
	}
	return s.receipt, nil
}

type stubDispatcher struct {
	events []alerting.Event
}

func (d *stubDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.events = append(d.events, event)
	return nil
}

func newTestAgent(t *testing.T, source OwnershipSource, submitter BatchSubmitter, opts ...Option) *Agent {
	t.Helper()
	id, err := identity.Derive(testMnemonic)
	require.NoError(t, err)
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(id, source, submitter, Target{EndpointURL: "http://node", Contract: common.HexToAddress("0x01")}, opts...)
}

func TestRunSubmitsEligibleInOrder(t *testing.T) {
	source := &stubSource{snapshot: care.Snapshot{Assets: []care.Asset{
		{ID: "1", LastInteractedAt: 100000 - 50000},
		{ID: "2", LastInteractedAt: 100000 - 43200},
		{ID: "3", LastInteractedAt: 0},
	}}}
	receipt := &web3.Receipt{TxHash: common.HexToHash("0xabcd"), BlockNumber: 42}
	submitter := &stubSubmitter{receipt: receipt}
	ag := newTestAgent(t, source, submitter)

	result, err := ag.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, submitter.batches, 1)
	assert.Equal(t, []string{"1", "3"}, submitter.batches[0].Strings())
	assert.Equal(t, []string{"1", "3"}, result.Eligible)
	assert.Equal(t, 3, result.Owned)
	assert.True(t, result.Submitted)
	assert.Equal(t, receipt.TxHash.Hex(), result.TxHash)
	assert.Equal(t, uint64(42), result.BlockNumber)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", result.Owner)
	assert.Equal(t, common.HexToAddress(result.Owner), source.owner)
}

func TestRunSkipsSingleEligible(t *testing.T) {
	source := &stubSource{snapshot: care.Snapshot{Assets: []care.Asset{
		{ID: "7", LastInteractedAt: 0},
		{ID: "8", LastInteractedAt: testNow.Unix()},
	}}}
	submitter := &stubSubmitter{}
	ag := newTestAgent(t, source, submitter)

	result, err := ag.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, submitter.batches)
	assert.False(t, result.Submitted)
	assert.Equal(t, []string{"7"}, result.Eligible)
}

func TestRunWithNothingOwned(t *testing.T) {
	submitter := &stubSubmitter{}
	ag := newTestAgent(t, &stubSource{}, submitter)

	result, err := ag.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, submitter.batches)
	assert.NotNil(t, result.Eligible)
	assert.Zero(t, result.Owned)
}

func TestRunHonoursMinBatchSize(t *testing.T) {
	source := &stubSource{snapshot: care.Snapshot{Assets: []care.Asset{{ID: "1"}, {ID: "2"}}}}
	submitter := &stubSubmitter{receipt: &web3.Receipt{}}
	ag := newTestAgent(t, source, submitter, WithMinBatchSize(2))

	_, err := ag.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, submitter.batches)
}

func TestRunUsesCooldown(t *testing.T) {
	source := &stubSource{snapshot: care.Snapshot{Assets: []care.Asset{
		{ID: "1", LastInteractedAt: testNow.Unix() - 61},
		{ID: "2", LastInteractedAt: testNow.Unix() - 61},
	}}}
	submitter := &stubSubmitter{receipt: &web3.Receipt{}}

	_, err := newTestAgent(t, source, submitter, WithCooldown(60)).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, submitter.batches, 1)
}

func TestRunOwnershipFailureStopsPipeline(t *testing.T) {
	source := &stubSource{err: xerrors.New(subgraph.CodeQueryTransport, "down")}
	submitter := &stubSubmitter{}
	alerts := &stubDispatcher{}
	ag := newTestAgent(t, source, submitter, WithAlerts(alerts))

	result, err := ag.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, subgraph.ErrQueryTransport))
	assert.Equal(t, xerrors.StageOwnership, xerrors.StageOf(err))
	assert.Equal(t, string(xerrors.StageOwnership), result.Stage)
	assert.Empty(t, submitter.batches)
	require.Len(t, alerts.events, 1)
	assert.Equal(t, result.RunID, alerts.events[0].RunID)
}

func TestRunIdentifierRangeFailsBeforeSubmit(t *testing.T) {
	source := &stubSource{snapshot: care.Snapshot{Assets: []care.Asset{
		{ID: "1"},
		{ID: "-5"},
	}}}
	submitter := &stubSubmitter{}

	_, err := newTestAgent(t, source, submitter).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, care.ErrIdentifierRange))
	assert.Equal(t, xerrors.StageEncode, xerrors.StageOf(err))
	assert.Empty(t, submitter.batches)
}

func TestRunSubmitFailureKeepsTxHash(t *testing.T) {
	source := &stubSource{snapshot: care.Snapshot{Assets: []care.Asset{{ID: "1"}, {ID: "2"}}}}
	submitter := &stubSubmitter{err: xerrors.New(ethereum.CodeConfirmationTimeout, "slow",
		xerrors.WithMetadata("tx_hash", "0xfeed"))}
	alerts := &stubDispatcher{}

	result, err := newTestAgent(t, source, submitter, WithAlerts(alerts)).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ethereum.ErrConfirmationTimeout))
	assert.Equal(t, "0xfeed", result.TxHash)
	assert.False(t, result.Submitted)
	require.Len(t, alerts.events, 1)
	assert.Equal(t, "0xfeed", alerts.events[0].Metadata["tx_hash"])
	assert.Equal(t, xerrors.StageSubmit, alerts.events[0].Stage)
}

func TestRunMissingReceiptIsTyped(t *testing.T) {
	source := &stubSource{snapshot: care.Snapshot{Assets: []care.Asset{{ID: "1"}, {ID: "2"}}}}
	alerts := &stubDispatcher{}

	result, err := newTestAgent(t, source, &stubSubmitter{}, WithAlerts(alerts)).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ethereum.ErrConfirmationFailed))
	assert.Equal(t, xerrors.StageSubmit, xerrors.StageOf(err))
	assert.False(t, result.Submitted)
	require.Len(t, alerts.events, 1)
	assert.Equal(t, xerrors.StageSubmit, alerts.events[0].Stage)
}

func TestRunDryRunDoesNotSubmit(t *testing.T) {
	source := &stubSource{snapshot: care.Snapshot{Assets: []care.Asset{{ID: "1"}, {ID: "2"}, {ID: "3"}}}}
	submitter := &stubSubmitter{}

	result, err := newTestAgent(t, source, submitter, WithDryRun(true)).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, submitter.batches)
	assert.True(t, result.DryRun)
	assert.Equal(t, 4+32*(2+3), result.CalldataSize)
}

func TestRunRecordsMetrics(t *testing.T) {
	source := &stubSource{snapshot: care.Snapshot{Assets: []care.Asset{{ID: "1"}, {ID: "2"}}}}
	recorder := metrics.New()
	ag := newTestAgent(t, source, &stubSubmitter{receipt: &web3.Receipt{}}, WithMetrics(recorder))

	_, err := ag.Run(context.Background())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `caretaker_runs_total{outcome="submitted"} 1`))
	assert.True(t, strings.Contains(body, "caretaker_transactions_submitted_total 1"))
	assert.True(t, strings.Contains(body, "caretaker_assets_eligible 2"))
}

func TestRunRequiresCollaborators(t *testing.T) {
	_, err := New(nil, nil, nil, Target{}).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
