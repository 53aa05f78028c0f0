// Package ifaces holds interfaces shared between packages that would otherwise import each other.
package ifaces
