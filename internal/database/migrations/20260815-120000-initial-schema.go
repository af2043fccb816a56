package migrations

func init() {
	Register(Migration{
		Timestamp:   "20260815-120000",
		Description: "initial schema: jobs, work_items, schemas, api_keys",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				type TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				blob_key TEXT,
				source_url TEXT,
				pending_upload INTEGER NOT NULL DEFAULT 0,
				file_name TEXT,
				mime_type TEXT,
				file_size INTEGER NOT NULL DEFAULT 0,
				schema_ref TEXT,
				hints TEXT,
				markdown_result TEXT,
				json_result TEXT,
				error_code TEXT,
				error_message TEXT,
				attempts_made INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 3,
				processing_time_ms INTEGER NOT NULL DEFAULT 0,
				page_count INTEGER NOT NULL DEFAULT 0,
				llm_model TEXT,
				token_count INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				started_at TEXT,
				completed_at TEXT,
				updated_at TEXT NOT NULL,
				deleted_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_tenant_created ON jobs(tenant_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,

			`CREATE TABLE IF NOT EXISTS work_items (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL,
				tenant_id TEXT NOT NULL,
				submitter_id TEXT,
				request_id TEXT,
				dedup_key TEXT UNIQUE,
				status TEXT NOT NULL DEFAULT 'ready',
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 3,
				run_at TEXT NOT NULL,
				lease_expires_at TEXT,
				last_error TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_work_items_claim ON work_items(status, run_at, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_work_items_job ON work_items(job_id)`,

			`CREATE TABLE IF NOT EXISTS schemas (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				name TEXT NOT NULL,
				description TEXT,
				schema_json TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(tenant_id, name)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_schemas_tenant ON schemas(tenant_id)`,

			`CREATE TABLE IF NOT EXISTS api_keys (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				name TEXT NOT NULL,
				key_hash TEXT NOT NULL UNIQUE,
				key_prefix TEXT NOT NULL,
				last_used_at TEXT,
				expires_at TEXT,
				created_at TEXT NOT NULL,
				revoked_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id)`,
		},
	})
}
