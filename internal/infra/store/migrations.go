package store

import "fmt"

// ─── Schema ─────────────────────────────────────────────────────────────────

// migrations returns the schema statements for d, one statement per string.
// Timestamps are unix nanoseconds; booleans are 0/1 integers.
func migrations(d dialect) []string {
	pk := d.primaryKey
	return []string{
		// Balance invariants are enforced here as well as in the ledger.
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS coin_accounts (
			id              %s,
			owner_kind      TEXT   NOT NULL,
			owner_id        BIGINT NOT NULL,
			current_balance BIGINT NOT NULL DEFAULT 0 CHECK (current_balance >= 0),
			total_grant     BIGINT NOT NULL DEFAULT 0 CHECK (total_grant >= 0),
			total_spent     BIGINT NOT NULL DEFAULT 0 CHECK (total_spent >= 0),
			created_at      BIGINT NOT NULL,
			CHECK (current_balance = total_grant - total_spent),
			UNIQUE (owner_kind, owner_id)
		)`, pk),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ledger_transactions (
			id                  %s,
			source_account      BIGINT REFERENCES coin_accounts(id),
			destination_account BIGINT NOT NULL REFERENCES coin_accounts(id),
			value               BIGINT NOT NULL CHECK (value > 0),
			description         TEXT   NOT NULL DEFAULT '',
			created_at          BIGINT NOT NULL
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_ledger_tx_source ON ledger_transactions(source_account, id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_tx_destination ON ledger_transactions(destination_account, id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			id         %s,
			name       TEXT   NOT NULL,
			role       TEXT   NOT NULL,
			auth_token TEXT   NOT NULL DEFAULT '',
			account_id BIGINT REFERENCES coin_accounts(id),
			created_at BIGINT NOT NULL
		)`, pk),

		`CREATE TABLE IF NOT EXISTS friendships (
			user_id   BIGINT NOT NULL REFERENCES users(id),
			friend_id BIGINT NOT NULL REFERENCES users(id),
			PRIMARY KEY (user_id, friend_id)
		)`,

		// Projects keep the grid provider's numeric id.
		`CREATE TABLE IF NOT EXISTS projects (
			id               BIGINT PRIMARY KEY,
			short_name       TEXT   NOT NULL UNIQUE,
			name             TEXT   NOT NULL,
			coins_per_result BIGINT NOT NULL DEFAULT 0 CHECK (coins_per_result >= 0),
			avg_calc_minutes DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rewards (
			id               %s,
			name             TEXT   NOT NULL,
			partner_account  BIGINT NOT NULL REFERENCES coin_accounts(id),
			cost             BIGINT NOT NULL CHECK (cost > 0),
			remaining_amount BIGINT NOT NULL DEFAULT 0 CHECK (remaining_amount >= 0)
		)`, pk),

		`CREATE TABLE IF NOT EXISTS purchases (
			id             TEXT   PRIMARY KEY,
			buyer_id       BIGINT NOT NULL REFERENCES users(id),
			reward_id      BIGINT NOT NULL REFERENCES rewards(id),
			amount         BIGINT NOT NULL CHECK (amount > 0),
			total_cost     BIGINT NOT NULL,
			transaction_id BIGINT NOT NULL REFERENCES ledger_transactions(id),
			created_at     BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_buyer ON purchases(buyer_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS calculated_results (
			id                    %s,
			project_short_name    TEXT    NOT NULL,
			work_unit_name        TEXT    NOT NULL,
			user_id               BIGINT  NOT NULL,
			state                 INTEGER NOT NULL CHECK (state BETWEEN 1 AND 5),
			sent_to_client_at     BIGINT,
			received_by_client_at BIGINT,
			sent_to_server_at     BIGINT,
			received_by_server_at BIGINT,
			validated_at          BIGINT,
			valid                 INTEGER NOT NULL DEFAULT 0,
			granted               INTEGER NOT NULL DEFAULT 0,
			granted_coins         BIGINT  NOT NULL DEFAULT 0,
			created_at            BIGINT  NOT NULL,
			updated_at            BIGINT  NOT NULL,
			UNIQUE (project_short_name, work_unit_name, user_id)
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_results_user_project ON calculated_results(user_id, project_short_name)`,
	}
}
