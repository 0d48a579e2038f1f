package ports

import (
	"context"
	"errors"
)

// ErrConnClosed: el otro extremo ya se fue.
var ErrConnClosed = errors.New("connection closed")

// Conn es un canal de mensajes bidireccional ya aceptado. Las implementaciones
// deben admitir un lector y un escritor concurrentes.
type Conn interface {
	// ReadMessage bloquea hasta el siguiente frame de texto entrante.
	ReadMessage(ctx context.Context) ([]byte, error)

	// WriteMessage envía un frame de texto.
	WriteMessage(ctx context.Context, data []byte) error

	// Close envía el frame de cierre con code y reason y libera el transporte.
	Close(code int, reason string) error
}
