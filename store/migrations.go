package store

const schema = `
CREATE TABLE IF NOT EXISTS game (
    id TEXT PRIMARY KEY,
    doc TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS score (
    id TEXT PRIMARY KEY,
    game_id TEXT NOT NULL,
    player_id TEXT NOT NULL,
    doc TEXT NOT NULL,
    finish REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_game_created_at ON game(created_at);
CREATE INDEX IF NOT EXISTS idx_score_finish ON score(finish);
CREATE INDEX IF NOT EXISTS idx_score_game_player ON score(game_id, player_id);
`
