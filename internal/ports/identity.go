package ports

import (
	"context"
	"errors"
)

// ErrUnauthenticated: credenciales ausentes o inválidas.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal es un llamante autenticado.
type Principal struct {
	UserID   int64
	Username string
}

// Identity resuelve las credenciales de una conexión (bearer token) a un principal.
type Identity interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}
