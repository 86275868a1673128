// Package driver abstracts container lifecycle operations. The concrete
// implementation shells out to the docker CLI; tests use the in-memory
// fake.
package driver
