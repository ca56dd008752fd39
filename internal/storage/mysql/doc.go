// Package mysql stores Safe transactions in MySQL. It owns the schema
// migrations and resolves identifiers with the same rules as the file store.
package mysql
