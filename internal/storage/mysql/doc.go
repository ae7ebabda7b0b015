// Package mysql opens MySQL connection pools and applies the embedded schema
// migrations shipped under deploy/migrations. Stores that persist replay
// records build on the *sql.DB returned by Open.
package mysql
