// Package cryptoutil verifies place dictionary bundles: digest comparison
// against the hash published in SSM and detached signatures checked with
// a KMS-held public key.
package cryptoutil
