// Package credential resolves device provisioning credentials.
//
// A Cache holds recently used credentials keyed by (tenant, device) with a
// TTL checked on read and a size bound enforced by evicting the oldest
// inserted entry. On a miss the caller consults a Store: Postgres, DynamoDB
// or a static YAML file. TimeoutStore bounds each lookup and retries
// transient failures.
//
// Tokens are never stored in clear text. HashToken produces the lowercase
// hex SHA-256 digest kept in the stores, and TokenMatches compares a
// presented token against a digest in constant time.
package credential
