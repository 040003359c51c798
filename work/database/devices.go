package database

import (
	"database/sql"
	"fmt"

	"stream2dvr/work/logger"

	"github.com/google/uuid"
)

// Identity returns the stable device UUID for a market. A UUID already
// persisted in the devices table always wins, so identities survive both
// restarts and changes to the derivation scheme. When no row exists a
// version-5 UUID is derived from the market id, stored, and returned, so
// the same market always produces the same device on a fresh database.
func (db *DB) Identity(market string) (uuid.UUID, error) {
	var stored string
	err := db.QueryRow("SELECT uuid FROM devices WHERE market = ?", market).Scan(&stored)
	switch {
	case err == nil:
		id, perr := uuid.Parse(stored)
		if perr != nil {
			return uuid.Nil, fmt.Errorf("stored device uuid for %s is invalid: %w", market, perr)
		}
		return id, nil
	case err != sql.ErrNoRows:
		return uuid.Nil, fmt.Errorf("failed to look up device for %s: %w", market, err)
	}

	id := uuid.NewSHA1(uuid.NameSpaceDNS, []byte("stream2dvr:"+market))

	// INSERT OR IGNORE keeps a concurrently persisted row authoritative
	if _, err := db.Exec("INSERT OR IGNORE INTO devices (market, uuid) VALUES (?, ?)", market, id.String()); err != nil {
		return uuid.Nil, fmt.Errorf("failed to persist device for %s: %w", market, err)
	}

	if err := db.QueryRow("SELECT uuid FROM devices WHERE market = ?", market).Scan(&stored); err != nil {
		return uuid.Nil, fmt.Errorf("failed to read back device for %s: %w", market, err)
	}
	final, err := uuid.Parse(stored)
	if err != nil {
		return uuid.Nil, fmt.Errorf("stored device uuid for %s is invalid: %w", market, err)
	}

	logger.Debug("{database/devices.go - Identity} registered device %s for market %s", final, market)

	return final, nil
}
