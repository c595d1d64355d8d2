/*
Package config loads, validates, and exposes the immutable configuration
bundle for a medsync process.

Resolution order is defaults, then the optional YAML file (explicit path or
./medsync.yaml), then environment variables, so the environment always wins.
The recognized variables mirror the deployment convention:

	SNOWFLAKE_ACCOUNT / USER / PASSWORD / TOKEN / AUTHENTICATOR /
	          WAREHOUSE / DATABASE / SCHEMA / ROLE
	POSTGRES_HOST / PORT / USER / PASSWORD / DATABASE / POOL_SIZE
	ETL_BATCH_SIZE / MAX_RETRIES / RETRY_DELAY_SECONDS / WATERMARK_TABLE /
	          TABLES / RUN_SLO_SECONDS
	BACKFILL_ENABLE_PARALLEL / MAX_WORKERS / CONNECTION_POOL_SIZE /
	          MAX_MEMORY_MB
	AZURE_OPENAI_ENDPOINT / API_KEY / DEPLOYMENT / EMBEDDING_DEPLOYMENT /
	          API_VERSION
	AI_MODEL_VERSION / RATE_LIMIT_RPS / TIMEOUT_MS / COST_ALERT_USD /
	          BUDGET_POLICY / ENABLE_PROMETHEUS / MAX_IN_FLIGHT /
	          CACHE_ENTRIES / CACHE_FILE
	LOG_LEVEL / LOG_JSON

Validation fails fast with ErrConfig (a Persistent fault, exit code 2 at the
CLI) when required fields are missing, numeric fields do not parse, or the
authenticator and credential disagree: the password authenticator requires a
password, oauth requires a token, externalbrowser needs neither.

The bundle is treated as immutable after Load returns; components copy the
sections they need at construction time.
*/
package config
