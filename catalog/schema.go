package catalog

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id    BIGSERIAL PRIMARY KEY,
	name  TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS access_tokens (
	token   TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users (id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS package_groups (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	normalized TEXT NOT NULL UNIQUE,
	owner_id   BIGINT NOT NULL REFERENCES users (id)
);

CREATE TABLE IF NOT EXISTS packages (
	id         BIGSERIAL PRIMARY KEY,
	group_id   BIGINT NOT NULL REFERENCES package_groups (id),
	name       TEXT NOT NULL,
	normalized TEXT NOT NULL,
	UNIQUE (group_id, normalized)
);

CREATE TABLE IF NOT EXISTS package_owners (
	package_id BIGINT NOT NULL REFERENCES packages (id),
	user_id    BIGINT NOT NULL REFERENCES users (id),
	PRIMARY KEY (package_id, user_id)
);

CREATE TABLE IF NOT EXISTS versions (
	id          BIGSERIAL PRIMARY KEY,
	package_id  BIGINT NOT NULL REFERENCES packages (id),
	semver      TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	homepage    TEXT NOT NULL DEFAULT '',
	repository  TEXT NOT NULL DEFAULT '',
	license     TEXT NOT NULL DEFAULT '',
	readme      TEXT NOT NULL DEFAULT '',
	yanked      BOOLEAN NOT NULL DEFAULT FALSE,
	downloads   BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (package_id, semver)
);

CREATE TABLE IF NOT EXISTS version_dependencies (
	version_id BIGINT NOT NULL REFERENCES versions (id),
	package_id BIGINT NOT NULL REFERENCES packages (id),
	version_req TEXT NOT NULL,
	PRIMARY KEY (version_id, package_id)
);

CREATE TABLE IF NOT EXISTS version_authors (
	version_id BIGINT NOT NULL REFERENCES versions (id),
	position   INT NOT NULL,
	name       TEXT NOT NULL,
	PRIMARY KEY (version_id, position)
);

CREATE TABLE IF NOT EXISTS version_keywords (
	version_id BIGINT NOT NULL REFERENCES versions (id),
	position   INT NOT NULL,
	keyword    TEXT NOT NULL,
	PRIMARY KEY (version_id, position)
);
`
