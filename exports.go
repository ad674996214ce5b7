// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "encoding/binary"

const maxExportedNameLength = 0x200

// ImageExportDirectory represents the IMAGE_EXPORT_DIRECTORY structure, found
// in the export data directory. It contains information exported by a DLL,
// used by both Windows and the debugger.
type ImageExportDirectory struct {
	// Reserved, must be 0.
	Characteristics uint32 `json:"characteristics"`

	// The time and date that the export data was created.
	TimeDateStamp uint32 `json:"time_date_stamp"`

	// The major version number. The major and minor version numbers can be
	// set by the user.
	MajorVersion uint16 `json:"major_version"`

	// The minor version number.
	MinorVersion uint16 `json:"minor_version"`

	// The address of the ASCII string that contains the name of the DLL.
	// This address is relative to the image base.
	Name uint32 `json:"name"`

	// The starting ordinal number for exported functions. This field
	// specifies the starting ordinal number for the export address table.
	Base uint32 `json:"base"`

	// The number of entries in the export address table.
	NumberOfFunctions uint32 `json:"number_of_functions"`

	// The number of entries in the name pointer table. This is also the
	// number of entries in the ordinal table.
	NumberOfNames uint32 `json:"number_of_names"`

	// The address of the export address table, relative to the image base.
	AddressOfFunctions uint32 `json:"address_of_functions"`

	// The address of the export name pointer table, relative to the image
	// base. The table size is given by NumberOfNames.
	AddressOfNames uint32 `json:"address_of_names"`

	// The address of the ordinal table, relative to the image base.
	AddressOfNameOrdinals uint32 `json:"address_of_name_ordinals"`
}

// ExportFunction represents an entry in the export table, whether or not it
// has an associated name.
type ExportFunction struct {
	// The ordinal of this exported entry.
	Ordinal uint32 `json:"ordinal"`

	// The RVA of the exported symbol, relative to the image base.
	FunctionRVA uint32 `json:"function_rva"`

	// The RVA of the export name, relative to the image base. Zero when
	// the entry is exported by ordinal only.
	NameRVA uint32 `json:"name_rva"`

	// The exported symbol name, empty when exported by ordinal only.
	Name string `json:"name"`

	// When the entry forwards to another DLL (the function RVA falls
	// inside the export directory itself), Forwarder holds the
	// "DLLName.FunctionName" string it forwards to.
	Forwarder string `json:"forwarder,omitempty"`

	// The RVA at which the forwarder string was found.
	ForwarderRVA uint32 `json:"forwarder_rva,omitempty"`
}

// Export represents the parsed export directory: the module name, the
// directory header, and every exported function.
type Export struct {
	Struct    ImageExportDirectory `json:"struct"`
	Name      string               `json:"name"`
	Functions []ExportFunction     `json:"functions"`
}

// parseExportDirectory parses the export directory pointed to by the
// IMAGE_DIRECTORY_ENTRY_EXPORT data directory entry. The export directory
// contains the ordinal, address and, optionally, the name of every symbol a
// DLL makes available to its callers.
func (pe *File) parseExportDirectory(rva, size uint32) (err error) {
	exportDir := ImageExportDirectory{}
	exportDirSize := uint32(binary.Size(exportDir))
	offset := pe.GetOffsetFromRva(rva)
	err = pe.structUnpack(&exportDir, offset, exportDirSize)
	if err != nil {
		return err
	}

	var functions []ExportFunction

	// The export address table, an array of RVAs, one per ordinal from
	// Base to Base+NumberOfFunctions-1.
	addresses := make([]uint32, 0, exportDir.NumberOfFunctions)
	addrTableOffset := pe.GetOffsetFromRva(exportDir.AddressOfFunctions)
	for i := uint32(0); i < exportDir.NumberOfFunctions; i++ {
		addr, err := pe.ReadUint32(addrTableOffset + i*4)
		if err != nil {
			break
		}
		addresses = append(addresses, addr)
	}

	// Named exports: parallel name-pointer and ordinal tables. The ordinal
	// table gives, for each name, its index into the address table.
	nameToOrdinal := make(map[uint32]uint32, exportDir.NumberOfNames)
	namePtrOffset := pe.GetOffsetFromRva(exportDir.AddressOfNames)
	ordTableOffset := pe.GetOffsetFromRva(exportDir.AddressOfNameOrdinals)
	for i := uint32(0); i < exportDir.NumberOfNames; i++ {
		nameRVA, err := pe.ReadUint32(namePtrOffset + i*4)
		if err != nil {
			break
		}
		ordIndex, err := pe.ReadUint16(ordTableOffset + i*2)
		if err != nil {
			break
		}
		nameToOrdinal[uint32(ordIndex)] = nameRVA
	}

	for i, addr := range addresses {
		if addr == 0 {
			continue
		}
		ordinal := exportDir.Base + uint32(i)
		fn := ExportFunction{
			Ordinal:     ordinal,
			FunctionRVA: addr,
		}
		if nameRVA, ok := nameToOrdinal[uint32(i)]; ok {
			fn.NameRVA = nameRVA
			fn.Name = pe.getStringAtRVA(nameRVA, maxExportedNameLength)
		}

		// A forwarder entry's RVA points inside the export directory
		// itself; its "bytes" are really a DLLName.FuncName string.
		if addr >= rva && addr < rva+size {
			fn.ForwarderRVA = addr
			fn.Forwarder = pe.getStringAtRVA(addr, maxExportedNameLength)
		}

		functions = append(functions, fn)
	}

	pe.Export = Export{
		Struct:    exportDir,
		Name:      pe.getStringAtRVA(exportDir.Name, maxExportedNameLength),
		Functions: functions,
	}
	return nil
}
