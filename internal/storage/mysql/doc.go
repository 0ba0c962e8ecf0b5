// Package mysql stores agent records (owner, custodial wallet, deployed service
// URL, last phase) and their trade history. A JSON-file backed repository is
// provided for single-process deployments and tests; the SQL repository runs the
// embedded schema migrations on startup.
package mysql
