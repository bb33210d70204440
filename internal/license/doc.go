// Package license contains the core license domain model: the license
// status state machine, key format handling and masking, domain
// normalization, and expiry evaluation.
//
// The package is storage-agnostic and side-effect free. Persistence lives
// in internal/store; the activation/validation decision logic that
// combines the two lives in internal/services.
package license
