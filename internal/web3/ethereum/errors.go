package ethereum

import xerrors "gotchi-caretaker/internal/errors"

const (
	// CodeEndpointUnreachable marks a node that cannot be dialed or reached.
	CodeEndpointUnreachable xerrors.Code = "ENDPOINT_UNREACHABLE"
	// CodeSigningBinding marks a signer that cannot be bound to the chain.
	CodeSigningBinding      xerrors.Code = "SIGNING_BINDING"
	// CodeInterfaceResolution marks a contract interface without a usable interact(uint256[]).
	CodeInterfaceResolution xerrors.Code = "INTERFACE_RESOLUTION"
	// CodeBroadcast marks a transaction the node refused or that could not be built.
	CodeBroadcast           xerrors.Code = "BROADCAST"
	// CodeConfirmationTimeout marks a broadcast transaction not confirmed in time.
	CodeConfirmationTimeout xerrors.Code = "CONFIRMATION_TIMEOUT"
	// CodeConfirmationFailed marks a transaction mined with a failed status.
	CodeConfirmationFailed  xerrors.Code = "CONFIRMATION_FAILED"
)

var (
	// ErrEndpointUnreachable can be matched with errors.Is.
	ErrEndpointUnreachable = xerrors.New(CodeEndpointUnreachable, "")
	// ErrSigningBinding can be matched with errors.Is.
	ErrSigningBinding      = xerrors.New(CodeSigningBinding, "")
	// ErrInterfaceResolution can be matched with errors.Is.
	ErrInterfaceResolution = xerrors.New(CodeInterfaceResolution, "")
	// ErrBroadcast can be matched with errors.Is.
	ErrBroadcast           = xerrors.New(CodeBroadcast, "")
	// ErrConfirmationTimeout can be matched with errors.Is.
	ErrConfirmationTimeout = xerrors.New(CodeConfirmationTimeout, "")
	// ErrConfirmationFailed can be matched with errors.Is.
	ErrConfirmationFailed  = xerrors.New(CodeConfirmationFailed, "")
)

func init() {
	register := func(code xerrors.Code, msg string, sev xerrors.Severity) {
		xerrors.Register(code, xerrors.Attributes{
			Message:  msg,
			Severity: sev,
			Stage:    xerrors.StageSubmit,
			Alert:    true,
		})
	}
	register(CodeEndpointUnreachable, "chain endpoint unreachable", xerrors.SeverityWarning)
	register(CodeSigningBinding, "cannot bind signer to chain", xerrors.SeverityCritical)
	register(CodeInterfaceResolution, "contract method cannot be resolved", xerrors.SeverityCritical)
	register(CodeBroadcast, "transaction broadcast failed", xerrors.SeverityWarning)
	// The transaction may still land; operators must check the hash before re-running.
	register(CodeConfirmationTimeout, "transaction broadcast but not confirmed in time", xerrors.SeverityCritical)
	register(CodeConfirmationFailed, "transaction reverted", xerrors.SeverityCritical)
}
