package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/gavel/internal/domain"
	"github.com/alejandrodnm/gavel/internal/ports"
)

var errQueueFull = errors.New("session: send queue full")

// member es el lado de una sesión que ve el registro de topics. Todo lo que
// sale hacia el cliente pasa por queue y lo escribe una única goroutine.
type member struct {
	id           string
	conn         ports.Conn
	writeTimeout time.Duration

	mu          sync.Mutex
	queue       chan []byte
	closed      bool // no acepta más frames
	drained     bool // queue cerrada
	broken      bool
	ready       bool
	held        []domain.Event
	closeCode   int
	closeReason string

	done chan struct{}
}

func newMember(id string, conn ports.Conn, buffer int, writeTimeout time.Duration) *member {
	m := &member{
		id:           id,
		conn:         conn,
		writeTimeout: writeTimeout,
		queue:        make(chan []byte, buffer),
		done:         make(chan struct{}),
	}
	go m.writeLoop()
	return m
}

func (m *member) ID() string { return m.id }

// Send encola ev sin bloquear. Antes del snapshot los eventos se retienen para
// que el cliente siempre reciba primero el snapshot.
func (m *member) Send(ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("session.Send: encode: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.broken {
		return ports.ErrConnClosed
	}
	if !m.ready {
		m.held = append(m.held, ev)
		return nil
	}
	return m.pushLocked(data)
}

// Close pide el cierre: el writer vacía la cola y después envía el frame de
// cierre con code. Si llega antes del snapshot con eventos retenidos, la cola
// sigue abierta hasta que markReady los entregue detrás del snapshot; una
// segunda llamada los entrega sin él. Manda siempre el primer code.
func (m *member) Close(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drained {
		return nil
	}
	if !m.closed {
		m.closed = true
		m.closeCode = code
		m.closeReason = reason
		if !m.ready && len(m.held) > 0 && !m.broken {
			return nil
		}
	}
	_ = m.flushHeldLocked()
	m.drainLocked()
	return nil
}

// push encola un frame propio de la sesión (snapshot, errores).
func (m *member) push(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.broken {
		return ports.ErrConnClosed
	}
	return m.pushLocked(data)
}

// markReady encola el snapshot seguido de los eventos retenidos. Si el topic
// ya cerró al miembro, completa ese cierre después de entregarlos.
func (m *member) markReady(snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drained || m.broken || (m.closed && len(m.held) == 0) {
		return ports.ErrConnClosed
	}
	if err := m.pushLocked(snapshot); err != nil {
		return err
	}
	if err := m.flushHeldLocked(); err != nil {
		return err
	}
	m.ready = true
	if m.closed {
		m.drainLocked()
	}
	return nil
}

func (m *member) flushHeldLocked() error {
	held := m.held
	m.held = nil
	for _, ev := range held {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("session: encode held event: %w", err)
		}
		if err := m.pushLocked(data); err != nil {
			return err
		}
	}
	return nil
}

func (m *member) drainLocked() {
	m.drained = true
	close(m.queue)
}

func (m *member) pushLocked(data []byte) error {
	select {
	case m.queue <- data:
		return nil
	default:
		return errQueueFull
	}
}

// wait bloquea hasta que el writer terminó y la conexión está cerrada.
func (m *member) wait() {
	<-m.done
}

func (m *member) writeLoop() {
	defer close(m.done)

	for data := range m.queue {
		if m.isBroken() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
		err := m.conn.WriteMessage(ctx, data)
		cancel()
		if err != nil {
			slog.Debug("session: write failed", "session", m.id, "err", err)
			m.mu.Lock()
			m.broken = true
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	code, reason := m.closeCode, m.closeReason
	m.mu.Unlock()
	if err := m.conn.Close(code, reason); err != nil && !errors.Is(err, ports.ErrConnClosed) {
		slog.Debug("session: close failed", "session", m.id, "err", err)
	}
}

func (m *member) isBroken() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broken
}
