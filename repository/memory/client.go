package memory

import (
	"context"
	"time"

	"github.com/amlume/identity/repository"
)

// ClientRepo is the ClientRepository view of a Store.
type ClientRepo struct{ *Store }

// Clients returns the ClientRepository view of this store.
func (s *Store) Clients() ClientRepo { return ClientRepo{s} }

var _ repository.ClientRepository = ClientRepo{}

func (s ClientRepo) Create(ctx context.Context, c repository.OAuth2RegisteredClient) error {
	var err error
	s.tx(func() {
		if _, ok := s.clients[c.ClientID]; ok {
			err = repository.ErrAlreadyExists
			return
		}
		c.Audit.Version = 1
		s.clients[c.ClientID] = c
	})
	return err
}

func (s ClientRepo) Get(ctx context.Context, clientID string) (repository.OAuth2RegisteredClient, error) {
	var out repository.OAuth2RegisteredClient
	var err error
	s.tx(func() {
		c, ok := s.clients[clientID]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		out = c
	})
	return out, err
}

func (s ClientRepo) List(ctx context.Context) ([]repository.OAuth2RegisteredClient, error) {
	var out []repository.OAuth2RegisteredClient
	s.tx(func() {
		for _, c := range s.clients {
			out = append(out, c)
		}
	})
	return out, nil
}

func (s ClientRepo) Update(ctx context.Context, clientID string, updater func(repository.OAuth2RegisteredClient) (repository.OAuth2RegisteredClient, error)) (repository.OAuth2RegisteredClient, error) {
	var out repository.OAuth2RegisteredClient
	var err error
	s.tx(func() {
		current, ok := s.clients[clientID]
		if !ok {
			err = repository.ErrNotFound
			return
		}
		startVersion := current.Audit.Version
		updated, uerr := updater(current)
		if uerr != nil {
			err = uerr
			return
		}
		if updated.Audit.Version != startVersion {
			err = repository.ErrVersionConflict
			return
		}
		updated.Audit.Version = startVersion + 1
		updated.Audit.UpdatedAt = time.Now()
		s.clients[clientID] = updated
		out = updated
	})
	return out, err
}

func (s ClientRepo) Delete(ctx context.Context, clientID string) error {
	s.tx(func() {
		delete(s.clients, clientID)
	})
	return nil
}
