// Package domain holds the shared data model of the session lifecycle
// manager: identifiers, key metadata, envelope wire types, the error
// taxonomy, and the interfaces implemented by stores and collaborators.
package domain
