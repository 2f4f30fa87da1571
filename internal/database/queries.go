package database

// Entities are stored as JSONB documents next to the indexed columns the
// queries filter on.
const (
	selectPipelineForUpdate = `
		SELECT document FROM pipelines
		WHERE id = $1
		FOR UPDATE`

	selectPipeline = `
		SELECT document FROM pipelines
		WHERE id = $1`

	upsertPipeline = `
		INSERT INTO pipelines (id, user_id, status, abandoned_at, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			abandoned_at = EXCLUDED.abandoned_at,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`

	selectSessionForUpdate = `
		SELECT document FROM sessions
		WHERE id = $1
		FOR UPDATE`

	selectSession = `
		SELECT document FROM sessions
		WHERE id = $1`

	upsertSession = `
		INSERT INTO sessions (id, user_id, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`

	selectOrderForUpdate = `
		SELECT document FROM orders
		WHERE id = $1
		FOR UPDATE`

	selectOrder = `
		SELECT document FROM orders
		WHERE id = $1`

	upsertOrder = `
		INSERT INTO orders (id, user_id, order_number, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`

	countOrderHistory = `
		SELECT COUNT(*) FROM order_status_history
		WHERE order_id = $1`

	insertOrderHistory = `
		INSERT INTO order_status_history (order_id, from_status, to_status, reason, changed_at)
		VALUES ($1, $2, $3, $4, $5)`

	selectAccountForUpdate = `
		SELECT user_id, balance, created_at, updated_at FROM credit_accounts
		WHERE user_id = $1
		FOR UPDATE`

	selectAccount = `
		SELECT user_id, balance, created_at, updated_at FROM credit_accounts
		WHERE user_id = $1`

	upsertAccount = `
		INSERT INTO credit_accounts (user_id, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at`

	listAccounts = `
		SELECT user_id, balance, created_at, updated_at FROM credit_accounts
		ORDER BY created_at ASC
		LIMIT $1 OFFSET $2`

	countAccounts = `SELECT COUNT(*) FROM credit_accounts`

	insertTransaction = `
		INSERT INTO credit_transactions (id, user_id, type, amount, reason, related_job_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING`

	selectTransactionByKey = `
		SELECT id, user_id, type, amount, reason, related_job_id, idempotency_key, created_at
		FROM credit_transactions
		WHERE idempotency_key = $1`

	sumTransactions = `
		SELECT COALESCE(SUM(amount), 0) FROM credit_transactions
		WHERE user_id = $1`

	listTransactions = `
		SELECT id, user_id, type, amount, reason, related_job_id, idempotency_key, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	countTransactions = `
		SELECT COUNT(*) FROM credit_transactions
		WHERE user_id = $1`

	insertAddress = `
		INSERT INTO shipping_addresses (id, user_id, address, created_at)
		VALUES ($1, $2, $3, $4)`

	listAddresses = `
		SELECT id, user_id, address, created_at FROM shipping_addresses
		WHERE user_id = $1
		ORDER BY created_at DESC`
)
