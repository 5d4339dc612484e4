package session

import (
	"errors"

	"go-bookshelf-download/internal/database"
	"go-bookshelf-download/internal/models"
)

// SQLiteStore keeps tokens in the sessions table.
type SQLiteStore struct {
	DB *database.DB
}

func (s SQLiteStore) Load(site string) (*models.SessionToken, error) {
	tok, err := s.DB.LoadToken(site)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNoToken
	}
	return tok, err
}

func (s SQLiteStore) Save(tok *models.SessionToken) error {
	return s.DB.SaveToken(tok)
}
