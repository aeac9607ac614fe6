// Package intake turns an uploaded file into the database path a recovery
// session works on. Plain uploads pass through; ZIP archives are opened and
// the most database-like entry is extracted.
package intake
