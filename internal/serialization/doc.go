// Package serialization stores rnnflow checkpoints in the .born container.
//
// A checkpoint holds the host copies of every parameter matrix together with
// the model definition and the training position it was taken at:
//
//	Layout:
//	  [0x00: Magic "BORN"]
//	  [0x04: Version (uint32 LE)]
//	  [0x08: Flags (uint32 LE)]
//	  [0x10: Header Size (uint64 LE)]
//	  [0x18: Data Size (uint64 LE)]
//	  [0x20: SHA-256 of the data section]
//	  [0x40: JSON header]
//	  [Entry data: column-major little-endian elements, 64-byte aligned]
//
// Entries are two-dimensional float32 or int32 matrices. The JSON header
// lists each entry's dtype, shape, offset and size relative to the start of
// the data section.
//
// Example usage:
//
//	err := serialization.SaveCheckpoint("run/ckpt-000100.born", &serialization.Checkpoint{
//	    Definition: defYAML,
//	    Training:   &serialization.TrainingMeta{Iteration: 100},
//	    Parameters: model.ParameterValues(),
//	})
//
//	ck, err := serialization.LoadCheckpoint("run/ckpt-000100.born")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = m.LoadParameters(ck.Parameters)
package serialization
