// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	pe "github.com/saferwall/pecore"
	"github.com/saferwall/pecore/directory"
	"github.com/saferwall/pecore/layout"
	"github.com/saferwall/pecore/section"
)

// manifest is the shape of the build/edit config file: a thin,
// hand-editable description of the sections and exports to lay out.
// Loaded through viper so callers can supply YAML, JSON, or TOML
// interchangeably.
type manifest struct {
	Machine   uint16 `mapstructure:"machine"`
	Is64Bit   bool   `mapstructure:"is64bit"`
	ImageBase uint64 `mapstructure:"image_base"`
	Sections  []struct {
		Name   string `mapstructure:"name"`
		SizeOf uint32 `mapstructure:"size"`
	} `mapstructure:"sections"`
	Exports []struct {
		Name    string `mapstructure:"name"`
		Ordinal uint16 `mapstructure:"ordinal"`
	} `mapstructure:"exports"`
	DLLName string `mapstructure:"dll_name"`
	Out     string `mapstructure:"out"`
}

func loadManifest(path string) (*manifest, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var m manifest
	if err := v.Unmarshal(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func newBuildCmd() *cobra.Command {
	var manifestPath string
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Assemble a new PE image from a manifest",
		Long:  "Builds a minimal PE image by wiring sections, exports and patches from a manifest file and committing the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := zap.NewProduction()
			defer logger.Sync()

			m, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}

			mgr := section.NewManager(0x1000)
			var textSec *section.Section
			for _, sc := range m.Sections {
				s := section.New(sc.Name, 0)
				if sc.SizeOf > 0 {
					if _, _, err := s.Allocate(sc.SizeOf, 1); err != nil {
						return err
					}
				}
				mgr.AddSection(s)
				if textSec == nil {
					textSec = s
				}
				logger.Info("added section", zap.String("name", sc.Name), zap.Uint32("size", sc.SizeOf))
			}

			l := layout.New(mgr, 0x1000)
			l.Machine = m.Machine
			l.Is64Bit = m.Is64Bit
			l.ImageBase = m.ImageBase

			if len(m.Exports) > 0 && textSec != nil {
				rdata := section.New(".rdata", 0)
				mgr.AddSection(rdata)
				exp := &directory.Export{DLLName: m.DLLName, OrdinalBase: 1}
				for _, e := range m.Exports {
					exp.Functions = append(exp.Functions, directory.ExportFunction{
						Name: e.Name, Ordinal: e.Ordinal, FunctionRVA: textSec.VAddr(),
					})
				}
				l.SetDirectory(directory.EntryExport, rdata, exp)
			}

			img, err := l.Commit()
			if err != nil {
				return err
			}

			out := m.Out
			if out == "" {
				out = "out.bin"
			}
			if err := os.WriteFile(out, img.Bytes, 0o644); err != nil {
				return err
			}
			logger.Info("wrote image", zap.String("path", out), zap.Int("bytes", len(img.Bytes)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "path to the build manifest")
	cmd.MarkFlagRequired("manifest")
	return cmd
}

func newEditCmd() *cobra.Command {
	var manifestPath, inPath string
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Re-commit an existing image after manifest-driven edits",
		Long:  "Parses an existing PE file, applies the additions described in a manifest (new exports, new sections), and re-commits the image",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, _ := zap.NewProduction()
			defer logger.Sync()

			if inPath == "" {
				return &os.PathError{Op: "edit", Path: inPath, Err: os.ErrNotExist}
			}

			m, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}
			logger.Info("editing image", zap.String("input", inPath), zap.Int("new_sections", len(m.Sections)))

			src, err := pe.New(inPath, &pe.Options{Fast: true})
			if err != nil {
				return err
			}
			defer src.Close()
			if err := src.Parse(); err != nil {
				return err
			}

			// Re-create every existing section with its original raw
			// bytes, so committing re-emits the file essentially as-is
			// before the manifest's additions are appended.
			mgr := section.NewManager(0x1000)
			for i := range src.Sections {
				srcSec := &src.Sections[i]
				s := section.New(srcSec.String(), section.Characteristics(srcSec.Header.Characteristics))
				raw := srcSec.Data(0, 0, src)
				if len(raw) > 0 {
					_, offset, err := s.Allocate(uint32(len(raw)), 1)
					if err != nil {
						return err
					}
					if err := s.WriteBytes(offset, raw); err != nil {
						return err
					}
				}
				mgr.AddSection(s)
			}

			// Manifest-described sections are appended after the
			// preserved originals.
			for _, sc := range m.Sections {
				s := section.New(sc.Name, 0)
				if sc.SizeOf > 0 {
					if _, _, err := s.Allocate(sc.SizeOf, 1); err != nil {
						return err
					}
				}
				mgr.AddSection(s)
			}

			l := layout.New(mgr, 0x1000)
			if m.Machine != 0 {
				l.Machine = m.Machine
			} else {
				l.Machine = uint16(src.NtHeader.FileHeader.Machine)
			}
			l.Is64Bit = src.Is64
			if m.ImageBase != 0 {
				l.ImageBase = m.ImageBase
			} else if src.Is64 {
				l.ImageBase = src.NtHeader.OptionalHeader.(pe.ImageOptionalHeader64).ImageBase
			} else {
				l.ImageBase = uint64(src.NtHeader.OptionalHeader.(pe.ImageOptionalHeader32).ImageBase)
			}

			// Round-trip the rich header, COFF symbol table, and overlay
			// bytes the teacher's read side parsed from the source file
			// (spec section 5, the supplemented preservation features).
			if len(src.RichHeader.Raw) > 0 {
				l.RichHeader = &src.RichHeader
			}
			if len(src.COFF.SymbolTable) > 0 {
				l.Symbols = src.COFF.SymbolTable
				l.SymbolStringTable = src.COFF.StringTable
			}
			if overlay, err := src.Overlay(); err == nil && len(overlay) > 0 {
				l.Overlay = overlay
			}

			img, err := l.Commit()
			if err != nil {
				return err
			}

			out := m.Out
			if out == "" {
				out = inPath + ".edited"
			}
			if err := os.WriteFile(out, img.Bytes, 0o644); err != nil {
				return err
			}
			logger.Info("wrote edited image", zap.String("path", out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "path to the edit manifest")
	cmd.Flags().StringVarP(&inPath, "in", "i", "", "path to the existing PE file to edit")
	cmd.MarkFlagRequired("manifest")
	cmd.MarkFlagRequired("in")
	return cmd
}
