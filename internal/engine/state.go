package engine

// State is the lifecycle position of a key request.
type State int

const (
	// StateReceived: the request was accepted by the engine.
	StateReceived State = iota
	// StateRouting: the engine is choosing the online or persistable path.
	StateRouting
	// StateOnline: the request will be answered with a usable key only.
	StateOnline
	// StatePersistable: the request will be answered from or into the store.
	StatePersistable
	// StateAwaitingCertificate: the application certificate is being fetched.
	StateAwaitingCertificate
	// StateAwaitingServerResponse: the license service has the request blob.
	StateAwaitingServerResponse
	// StateAwaitingPersist: the persistable key is being written to the store.
	StateAwaitingPersist
	// StateCompleted: a key was delivered.
	StateCompleted
	// StateFailed: the request ended with an error that warrants no retry.
	StateFailed
	// StateRetrying: the request ended with an error the host should retry.
	StateRetrying
	// StateCancelled: the engine stopped before the request finished.
	StateCancelled
)

var stateNames = [...]string{
	StateReceived:               "received",
	StateRouting:                "routing",
	StateOnline:                 "online",
	StatePersistable:            "persistable",
	StateAwaitingCertificate:    "awaiting_certificate",
	StateAwaitingServerResponse: "awaiting_server_response",
	StateAwaitingPersist:        "awaiting_persist",
	StateCompleted:              "completed",
	StateFailed:                 "failed",
	StateRetrying:               "retrying",
	StateCancelled:              "cancelled",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRetrying, StateCancelled:
		return true
	}
	return false
}
