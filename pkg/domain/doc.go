// Package domain defines the core types shared by the edge personalization proxy.
//
// This package contains pure domain types with no infrastructure dependencies;
// only the standard library and github.com/google/uuid for anonymous ids. The
// profile, experience and variant types mirror the wire formats of the profile
// backend and the content repository, so the client packages can decode
// straight into them.
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
