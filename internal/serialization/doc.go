// Package serialization implements the .snet tensor container and the
// saved-model directory built on top of it.
//
// A .snet file stores a named set of tensors:
//
//	Format Structure:
//	  0x00  [4 bytes:  Magic "SNET"]
//	  0x04  [4 bytes:  Version (uint32 LE)]
//	  0x08  [4 bytes:  Flags (uint32 LE)]
//	  0x0C  [4 bytes:  Reserved]
//	  0x10  [8 bytes:  Header size (uint64 LE)]
//	  0x18  [8 bytes:  Data size (uint64 LE)]
//	  0x20  [32 bytes: SHA-256 of header JSON followed by tensor data]
//	  0x40  [Header: JSON metadata]
//	        [Padding to a 64-byte boundary]
//	        [Tensor data: raw little-endian bytes]
//
// Tensors are written in name order so identical state produces identical
// files. Readers verify the checksum and validate every tensor's name,
// offset and size before any data is handed out.
//
// A saved model is a directory holding model.json (architecture, compile
// settings, training history), variables.snet (parameters) and, optionally,
// optimizer.snet (optimizer slots).
//
// Example usage:
//
//	w, err := serialization.NewWriter("variables.snet")
//	if err != nil {
//	    return err
//	}
//	if err := w.WriteStateDict(model.StateDict(), "Sequential", nil); err != nil {
//	    w.Abort()
//	    return err
//	}
//	return w.Close()
package serialization
