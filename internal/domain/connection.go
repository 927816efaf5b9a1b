package domain

// Phase is a discrete state of the messaging session lifecycle.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseInitializing  Phase = "initializing"
	PhaseQRPending     Phase = "qr_pending"
	PhaseAuthenticated Phase = "authenticated"
	PhaseReady         Phase = "ready"
	PhaseDisconnected  Phase = "disconnected"
	PhaseFaulted       Phase = "faulted"
)

// ConnectionStatus is the reconciled view of the session exposed to callers.
// QR is non-empty only while Phase == PhaseQRPending.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Phase     Phase  `json:"status"`
	QR        string `json:"qr,omitempty"`
}
