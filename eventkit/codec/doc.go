// Package codec serializes events to a textual payload plus a type
// discriminator and re-hydrates them through an explicit type registry.
package codec
