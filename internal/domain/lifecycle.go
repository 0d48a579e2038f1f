package domain

import "time"

// Phase es la posición de la subasta en su ciclo de vida. Active es ortogonal.
type Phase string

const (
	PhasePending Phase = "PENDING"
	PhaseRunning Phase = "RUNNING"
	PhaseClosed  Phase = "CLOSED"
)

// Transition es lo que toca hacer con una subasta en un instante dado.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionStart
	TransitionFinish
)

func (t Transition) String() string {
	switch t {
	case TransitionStart:
		return "start"
	case TransitionFinish:
		return "finish"
	default:
		return "none"
	}
}

// Phase deriva la fase de los flags persistidos.
func (a Auction) Phase() Phase {
	switch {
	case a.Finished:
		return PhaseClosed
	case a.Started:
		return PhaseRunning
	default:
		return PhasePending
	}
}

// NextTransition devuelve la transición pendiente en now. Solo avanza:
// una subasta cerrada nunca devuelve nada.
func NextTransition(a Auction, now time.Time) Transition {
	switch a.Phase() {
	case PhasePending:
		if !now.Before(a.StartTime) {
			return TransitionStart
		}
	case PhaseRunning:
		if !now.Before(a.EndTime) {
			return TransitionFinish
		}
	}
	return TransitionNone
}

// Start pasa una subasta PENDING a RUNNING.
func (a Auction) Start() Auction {
	if a.Phase() == PhasePending {
		a.Started = true
	}
	return a
}

// Finish pasa una subasta RUNNING a CLOSED y la desactiva.
func (a Auction) Finish() Auction {
	if a.Phase() == PhaseRunning {
		a.Finished = true
		a.Active = false
	}
	return a
}

// CheckBiddable solo acepta subastas RUNNING y activas.
func CheckBiddable(a Auction) error {
	if !a.Started {
		return NewConflict(KindNotStarted)
	}
	if a.Finished {
		return NewConflict(KindAlreadyFinished)
	}
	if !a.Active {
		return NewConflict(KindNotActive)
	}
	return nil
}

// CheckEditable controla edición y borrado: solo PENDING.
func CheckEditable(a Auction) error {
	if a.Finished {
		return NewConflict(KindAlreadyFinished)
	}
	if a.Started {
		return NewConflict(KindAlreadyStarted)
	}
	return nil
}

// CheckToggleable controla activar/desactivar: cualquier fase salvo CLOSED.
func CheckToggleable(a Auction) error {
	if a.Finished {
		return NewConflict(KindAlreadyFinished)
	}
	return nil
}

// CheckFinished controla la consulta del ganador.
func CheckFinished(a Auction) error {
	if !a.Finished {
		return NewConflict(KindStillRunning)
	}
	return nil
}
