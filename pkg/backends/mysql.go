package backends

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/hostpanel/hostpanel/pkg/config"
	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/resources"
)

// NativePasswordHash returns the mysql_native_password hash of pw:
// "*" followed by the uppercase hex of SHA1(SHA1(pw)).
func NativePasswordHash(pw string) string {
	first := sha1.Sum([]byte(pw))
	second := sha1.Sum(first[:])
	return "*" + strings.ToUpper(hex.EncodeToString(second[:]))
}

// DatabaseUserContext is a user entry of the database context.
type DatabaseUserContext struct {
	Username string
	Hash     string
}

// MySQL creates databases and users through the mysql client.
type MySQL struct {
	base
	settings config.MySQLSettings
}

// NewMySQL creates the mysql backend.
func NewMySQL(s *config.Settings) *MySQL {
	return &MySQL{
		base:     base{name: "mysql", kind: resources.KindDatabase, match: `database.type == "mysql"`},
		settings: s.MySQL,
	}
}

func (m *MySQL) BuildContext(r engine.Resource) (engine.Context, error) {
	db, ok := r.(*resources.Database)
	if !ok {
		return nil, typeError(m.name, r)
	}
	users := make([]DatabaseUserContext, len(db.Users))
	for i, u := range db.Users {
		users[i] = DatabaseUserContext{Username: u.Username, Hash: NativePasswordHash(u.Password)}
	}
	host := m.settings.Host
	if host == "" {
		host = "localhost"
	}
	return engine.Context{
		"database": db.Name,
		"users":    users,
		"host":     host,
		"client":   m.settings.Client,
	}, nil
}

func (m *MySQL) Prepare(context.Context, *engine.Batch, *engine.Script) error { return nil }
func (m *MySQL) Commit(context.Context, *engine.Batch, *engine.Script) error  { return nil }

// Save creates the database and its users and grants them every
// privilege on it. Passwords are reset to the desired hash.
func (m *MySQL) Save(_ context.Context, _ *engine.Batch, r engine.Resource, s *engine.Script) error {
	ctx, err := m.BuildContext(r)
	if err != nil {
		return err
	}
	db := ctx.String("database")
	host := ctx.String("host")
	users, _ := ctx["users"].([]DatabaseUserContext)

	sql := []string{fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`;", db)}
	for _, u := range users {
		account := fmt.Sprintf("'%s'@'%s'", u.Username, host)
		sql = append(sql,
			fmt.Sprintf("CREATE USER IF NOT EXISTS %s IDENTIFIED WITH mysql_native_password AS '%s';", account, u.Hash),
			fmt.Sprintf("ALTER USER %s IDENTIFIED WITH mysql_native_password AS '%s';", account, u.Hash),
			fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO %s;", db, account),
		)
	}
	m.run(s, ctx, sql)
	return nil
}

// Delete drops the database and every user no other database references.
func (m *MySQL) Delete(_ context.Context, b *engine.Batch, r engine.Resource, s *engine.Script) error {
	ctx, err := m.BuildContext(r)
	if err != nil {
		return err
	}
	host := ctx.String("host")
	users, _ := ctx["users"].([]DatabaseUserContext)

	inUse := map[string]bool{}
	if b.Inventory != nil {
		for _, other := range b.Inventory.List(resources.KindDatabase) {
			if other.Key() == r.Key() {
				continue
			}
			if odb, ok := other.(*resources.Database); ok {
				for _, u := range odb.Users {
					inUse[u.Username] = true
				}
			}
		}
	}

	sql := []string{fmt.Sprintf("DROP DATABASE IF EXISTS `%s`;", ctx.String("database"))}
	for _, u := range users {
		if !inUse[u.Username] {
			sql = append(sql, fmt.Sprintf("DROP USER IF EXISTS '%s'@'%s';", u.Username, host))
		}
	}
	m.run(s, ctx, sql)
	return nil
}

func (m *MySQL) run(s *engine.Script, ctx engine.Context, sql []string) {
	s.Appendf("%s <<'%s'\n%s\n%s", ctx.String("client"), eof, strings.Join(sql, "\n"), eof)
}

var _ engine.Backend = (*MySQL)(nil)
