package pg

import (
	"database/sql"
	"fmt"
)

// Config holds the connection settings for one postgres handle.
type Config struct {
	User     string `env:"USER"`
	Host     string `env:"HOST"`
	Port     string `env:"PORT"`
	Password string `env:"PASSWORD"`
	Database string `env:"DBNAME"`
}

// newSqlConnection opens a plain database/sql handle, used only by
// goose which does not speak gorm.
func newSqlConnection(config Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		config.Host, config.User, config.Password, config.Database, config.Port)
	return sql.Open("postgres", dsn)
}
