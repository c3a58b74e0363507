package database

var schema = []string{`
CREATE TABLE IF NOT EXISTS accounts (
    id VARCHAR(64) PRIMARY KEY,
    email VARCHAR(255) NOT NULL DEFAULT '',
    diamonds INT NOT NULL DEFAULT 0,
    xp INT NOT NULL DEFAULT 0,
    consecutive_check_in_days INT NOT NULL DEFAULT 0,
    last_check_in_at TIMESTAMP NULL,
    is_admin TINYINT(1) NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    CHECK (diamonds >= 0)
)`, `
CREATE TABLE IF NOT EXISTS generation_jobs (
    id VARCHAR(64) PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    kind VARCHAR(32) NOT NULL,
    cost INT NOT NULL,
    status VARCHAR(16) NOT NULL,
    progress_message VARCHAR(255) NOT NULL DEFAULT '',
    description TEXT NOT NULL,
    payload JSON NULL,
    result_url VARCHAR(1024) NULL,
    result_key VARCHAR(512) NULL,
    is_public TINYINT(1) NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    KEY idx_jobs_status_updated (status, updated_at),
    KEY idx_jobs_public (is_public, created_at),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
)`, `
CREATE TABLE IF NOT EXISTS ledger_entries (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    amount INT NOT NULL,
    transaction_type VARCHAR(32) NOT NULL,
    description VARCHAR(512) NOT NULL DEFAULT '',
    job_id VARCHAR(64) NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    KEY idx_ledger_account (account_id, created_at),
    KEY idx_ledger_job (job_id),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
)`, `
CREATE TABLE IF NOT EXISTS api_credentials (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    api_key VARCHAR(255) NOT NULL UNIQUE,
    label VARCHAR(128) NOT NULL DEFAULT '',
    status VARCHAR(16) NOT NULL DEFAULT 'active',
    usage_count BIGINT NOT NULL DEFAULT 0,
    last_used_at TIMESTAMP NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    KEY idx_credentials_pick (status, usage_count, last_used_at)
)`, `
CREATE TABLE IF NOT EXISTS diamond_packages (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    title VARCHAR(255) NOT NULL,
    description TEXT,
    price INT NOT NULL,
    diamonds INT NOT NULL,
    is_active TINYINT(1) NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
)`, `
CREATE TABLE IF NOT EXISTS payments (
    order_code BIGINT PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    package_id BIGINT NOT NULL,
    amount INT NOT NULL,
    diamonds INT NOT NULL,
    status VARCHAR(16) NOT NULL,
    checkout_url VARCHAR(1024) NOT NULL DEFAULT '',
    raw_payload TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    FOREIGN KEY (account_id) REFERENCES accounts(id)
)`, `
CREATE TABLE IF NOT EXISTS gift_codes (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    code VARCHAR(64) NOT NULL UNIQUE,
    diamonds INT NOT NULL,
    max_uses INT NOT NULL,
    uses INT NOT NULL DEFAULT 0,
    expires_at TIMESTAMP NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`, `
CREATE TABLE IF NOT EXISTS gift_redemptions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    gift_code_id BIGINT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_account_gift (account_id, gift_code_id),
    FOREIGN KEY (account_id) REFERENCES accounts(id),
    FOREIGN KEY (gift_code_id) REFERENCES gift_codes(id) ON DELETE CASCADE
)`,
}
