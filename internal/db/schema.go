package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Timestamps are epoch millis. im_message rows keep the seq assigned by the
// Redis tier so both tiers merge in order.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS im_account (
  account_uuid CHAR(36) NOT NULL PRIMARY KEY,
  pni_uuid     CHAR(36) NOT NULL UNIQUE,
  status       TINYINT  NOT NULL DEFAULT 1
)`,
	`CREATE TABLE IF NOT EXISTS im_device (
  account_uuid        CHAR(36)         NOT NULL,
  device_id           TINYINT UNSIGNED NOT NULL,
  name                VARCHAR(255)     NOT NULL DEFAULT '',
  registration_id     INT UNSIGNED     NOT NULL,
  pni_registration_id INT UNSIGNED     NOT NULL,
  last_seen           BIGINT           NOT NULL,
  created             BIGINT           NOT NULL,
  push_token          VARCHAR(512)     NULL,
  push_token_type     VARCHAR(32)      NULL,
  push_token_updated  BIGINT           NOT NULL DEFAULT 0,
  PRIMARY KEY (account_uuid, device_id)
)`,
	`CREATE TABLE IF NOT EXISTS im_message (
  account_uuid CHAR(36)         NOT NULL,
  device_id    TINYINT UNSIGNED NOT NULL,
  seq          BIGINT           NOT NULL,
  guid         CHAR(36)         NOT NULL,
  server_ts    BIGINT           NOT NULL,
  envelope     MEDIUMBLOB       NOT NULL,
  PRIMARY KEY (account_uuid, device_id, seq),
  UNIQUE KEY uk_guid (guid)
)`,
}

// Migrate creates missing tables. It never alters existing ones.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("db: migrate step %d: %w", i, err)
		}
	}
	return nil
}
