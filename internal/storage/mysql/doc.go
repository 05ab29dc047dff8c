// Package mysql persists execution records and their step ledger in MySQL.
// Schema changes are applied from the SQL files embedded by deploy/migrations.
package mysql
