package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"node-provisioner/internal/codec"
	"node-provisioner/internal/firmware"
	"node-provisioner/internal/instrument"
	"node-provisioner/internal/script"
	"node-provisioner/internal/store"
)

// errVerdict is returned by status --strict when a node is not current or
// its resolution was inconclusive.
var errVerdict = errors.New("firmware not current")

func newStatusCmd(a *app) *cobra.Command {
	var (
		asJSON bool
		strict bool
	)
	cmd := &cobra.Command{
		Use:   "status [node...]",
		Short: "Resolve the firmware verdict of nodes (all configured nodes by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			names := a.nodeNames(args)
			if len(names) == 0 {
				return fmt.Errorf("no nodes configured")
			}
			scripts, err := a.lib.List()
			if err != nil {
				return err
			}

			return a.withStore(func(db *store.BoltStore) error {
				pub := initMQTT(a.cfg, a.logger)
				defer pub.Stop()

				infos := make([]*firmware.Info, len(names))
				eg, egCtx := errgroup.WithContext(ctx)
				for i, name := range names {
					eg.Go(func() error {
						sess, err := a.openSession(egCtx, name)
						if err != nil {
							return err
						}
						defer sess.Close()
						info, err := sess.Resolve(egCtx, db, scripts)
						if err != nil {
							return fmt.Errorf("%s: %w", name, err)
						}
						infos[i] = info
						return nil
					})
				}
				if err := eg.Wait(); err != nil {
					return err
				}

				notCurrent := 0
				for i, info := range infos {
					if !info.Conclusive() || info.Verdict() != firmware.Current {
						notCurrent++
					}
					if err := saveReport(db, names[i], info); err != nil {
						a.logger.Warn("save report", "node", names[i], "err", err)
					}
					pub.Publish(names[i], info)
				}

				if err := printInfos(cmd.OutOrStdout(), names, infos, asJSON); err != nil {
					return err
				}
				if strict && notCurrent > 0 {
					return fmt.Errorf("%d of %d nodes: %w", notCurrent, len(names), errVerdict)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print reports as JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail unless every node is conclusively current")
	return cmd
}

// saveReport stores the verdict of a conclusive resolution.
func saveReport(db store.Store, node string, info *firmware.Info) error {
	if !info.Conclusive() {
		return nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return db.SaveReport(&store.Report{
		SerialNumber: info.SerialNumber(),
		Node:         node,
		Verdict:      info.Verdict().String(),
		Info:         data,
	})
}

func printInfos(w io.Writer, names []string, infos []*firmware.Info, asJSON bool) error {
	if asJSON {
		out := make(map[string]*firmware.Info, len(infos))
		for i, info := range infos {
			out[names[i]] = info
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	for i, info := range infos {
		if len(infos) > 1 {
			fmt.Fprintf(w, "== %s ==\n", names[i])
		}
		fmt.Fprintln(w, info.Report())
	}
	return nil
}

func newLoadCmd(a *app) *cobra.Command {
	var (
		save bool
		file string
		name string
	)
	cmd := &cobra.Command{
		Use:   "load <node> [script...]",
		Short: "Load library scripts onto a node, or provision it when no script is named",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			sess, err := a.openSession(ctx, args[0])
			if err != nil {
				return err
			}
			defer sess.Close()

			if file != "" {
				if len(args) > 1 {
					return fmt.Errorf("--file cannot be combined with script names")
				}
				if name == "" {
					return fmt.Errorf("--name is required with --file")
				}
				if !script.ValidName(name) {
					return fmt.Errorf("invalid script name: %q", name)
				}
				if err := sess.LoadFile(ctx, name, file); err != nil {
					return nodeErr(args[0], err)
				}
				fmt.Fprintf(out, "loaded %s from %s\n", name, file)
				if save {
					if err := sess.Save(ctx, name); err != nil {
						return nodeErr(args[0], err)
					}
					fmt.Fprintf(out, "saved %s\n", name)
				}
				return nil
			}

			if len(args) == 1 {
				scripts, err := a.lib.List()
				if err != nil {
					return err
				}
				res, err := sess.Provision(ctx, scripts, save)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "loaded: %s\n", joinOrNone(res.Loaded))
				if res.Ran != "" {
					fmt.Fprintf(out, "ran: %s\n", res.Ran)
				}
				if save {
					fmt.Fprintf(out, "saved: %s\n", joinOrNone(res.Saved))
				}
				return nil
			}

			for _, n := range args[1:] {
				sc, err := a.lib.Get(n)
				if err != nil {
					return err
				}
				if err := sess.Load(ctx, sc); err != nil {
					return nodeErr(args[0], err)
				}
				fmt.Fprintf(out, "loaded %s\n", n)
				if save {
					if err := sess.Save(ctx, n); err != nil {
						return nodeErr(args[0], err)
					}
					fmt.Fprintf(out, "saved %s\n", n)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "save loaded scripts in node memory")
	cmd.Flags().StringVar(&file, "file", "", "load a script file outside the library")
	cmd.Flags().StringVar(&name, "name", "", "node-side name for --file")
	return cmd
}

func newSaveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save <node> [script...]",
		Short: "Save loaded scripts in node memory (every unsaved library script by default)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.openSession(ctx, args[0])
			if err != nil {
				return err
			}
			defer sess.Close()

			var saved []string
			if len(args) > 1 {
				for _, n := range args[1:] {
					if err := sess.Save(ctx, n); err != nil {
						return nodeErr(args[0], err)
					}
					saved = append(saved, n)
				}
			} else {
				scripts, err := a.lib.List()
				if err != nil {
					return err
				}
				coll, err := sess.Enumerate(ctx, scripts)
				if err != nil {
					return err
				}
				if saved, err = sess.SaveAll(ctx, coll); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved: %s\n", joinOrNone(saved))
			return nil
		},
	}
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <node> [script...]",
		Short: "Delete scripts from a node (every loaded library script by default)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sess, err := a.openSession(ctx, args[0])
			if err != nil {
				return err
			}
			defer sess.Close()

			var deleted []string
			if len(args) > 1 {
				for _, n := range args[1:] {
					if err := sess.Delete(ctx, n); err != nil {
						return nodeErr(args[0], err)
					}
					deleted = append(deleted, n)
				}
			} else {
				scripts, err := a.lib.List()
				if err != nil {
					return err
				}
				coll, err := sess.Enumerate(ctx, scripts)
				if err != nil {
					return err
				}
				if deleted, err = sess.DeleteAll(ctx, coll); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted: %s\n", joinOrNone(deleted))
			return nil
		},
	}
	return cmd
}

// nodeErr marks failures the node itself reported so they read apart from
// link or library errors.
func nodeErr(node string, err error) error {
	if instrument.IsNodeError(err) {
		return fmt.Errorf("node %s rejected command: %w", node, err)
	}
	return err
}

func newPackCmd(a *app) *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "pack <file|->",
		Short: "Compress and/or encrypt a script body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				format = a.cfg.Codec.Format
			}
			flags, err := codec.ParseFlags(format)
			if err != nil {
				return err
			}
			src, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			blob, err := a.codec.Compress(src, flags, true)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), output, blob+"\n")
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "transforms to apply (default from config)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newUnpackCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "unpack <file|->",
		Short: "Recover the plain text of a packed script body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			text, flags, err := a.codec.Decode(strings.TrimSpace(src), true)
			if err != nil {
				return err
			}
			a.logger.Debug("unpacked", "transforms", flags, "size", len(text))
			if !strings.HasSuffix(text, "\n") {
				text += "\n"
			}
			return writeOutput(cmd.OutOrStdout(), output, text)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newScriptsCmd(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "scripts",
		Short: "List the local script library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			scripts, err := a.lib.List()
			if err != nil {
				return err
			}

			var buf bytes.Buffer
			table := tablewriter.NewWriter(&buf)
			header := []string{"Name", "Title", "Role", "Version", "Latest", "Encoding", "Size"}
			if check {
				header = append(header, "Syntax")
			}
			table.SetHeader(header)
			table.SetBorder(false)
			table.SetCenterSeparator("")
			table.SetAutoWrapText(false)

			failed := 0
			for _, sc := range scripts {
				row := []string{
					sc.Name(),
					sc.Meta.Title,
					sc.Meta.Role,
					sc.Meta.Version,
					sc.Meta.Latest,
					sc.Encoding.String(),
					strconv.Itoa(len(sc.Source)),
				}
				if check {
					status := "ok"
					if err := script.CheckSyntax(sc.Name(), sc.Source); err != nil {
						status = err.Error()
						failed++
					}
					row = append(row, status)
				}
				table.Append(row)
			}
			table.Render()

			if _, err := io.Copy(cmd.OutOrStdout(), &buf); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d scripts failed the syntax check", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "check every script for syntax errors")
	return cmd
}

func newRegisterCmd(a *app) *cobra.Command {
	var (
		owner, model, note string
		revoke, remove     bool
		list               bool
	)
	cmd := &cobra.Command{
		Use:   "register [serial]",
		Short: "Manage the registration database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return a.withStore(func(db *store.BoltStore) error {
				if list {
					regs, err := db.ListRegistrations()
					if err != nil {
						return err
					}
					return renderRegistrations(out, regs)
				}
				if len(args) != 1 {
					return fmt.Errorf("serial number required")
				}
				serial := args[0]

				switch {
				case remove:
					if err := db.DeleteRegistration(serial); err != nil {
						return err
					}
					pub := initMQTT(a.cfg, a.logger)
					pub.Remove(serial)
					pub.Stop()
					fmt.Fprintf(out, "removed %s\n", serial)
					return nil
				case revoke:
					if err := db.UpdateRegistration(serial, func(reg *store.Registration) error {
						reg.Revoked = true
						return nil
					}); err != nil {
						return err
					}
					fmt.Fprintf(out, "revoked %s\n", serial)
					return nil
				}

				reg, err := db.GetRegistration(serial)
				if errors.Is(err, store.ErrNotFound) {
					reg = &store.Registration{SerialNumber: serial}
				} else if err != nil {
					return err
				}
				if owner != "" {
					reg.Owner = owner
				}
				if model != "" {
					reg.Model = model
				}
				if note != "" {
					reg.Note = note
				}
				reg.Revoked = false
				if err := db.SaveRegistration(reg); err != nil {
					return err
				}
				fmt.Fprintf(out, "registered %s\n", serial)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "registered owner")
	cmd.Flags().StringVar(&model, "model", "", "instrument model")
	cmd.Flags().StringVar(&note, "note", "", "free-form note")
	cmd.Flags().BoolVar(&revoke, "revoke", false, "revoke the registration")
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the registration")
	cmd.Flags().BoolVar(&list, "list", false, "list registrations")
	cmd.MarkFlagsMutuallyExclusive("revoke", "remove", "list")
	return cmd
}

func renderRegistrations(w io.Writer, regs []*store.Registration) error {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"Serial", "Owner", "Model", "Revoked", "Updated"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	for _, r := range regs {
		table.Append([]string{
			r.SerialNumber,
			r.Owner,
			r.Model,
			strconv.FormatBool(r.Revoked),
			r.UpdatedAt.Format("2006-01-02 15:04"),
		})
	}
	table.Render()
	_, err := io.Copy(w, &buf)
	return err
}

func newArchiveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Keep encoded copies of library scripts in the database",
	}
	cmd.AddCommand(newArchivePushCmd(a), newArchiveListCmd(a), newArchiveRestoreCmd(a))
	return cmd
}

func newArchivePushCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "push [script...]",
		Short: "Archive library scripts (all by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				format = a.cfg.Codec.Format
			}
			flags, err := codec.ParseFlags(format)
			if err != nil {
				return err
			}
			var scripts []*script.Script
			if len(args) == 0 {
				if scripts, err = a.lib.List(); err != nil {
					return err
				}
			}
			for _, n := range args {
				sc, err := a.lib.Get(n)
				if err != nil {
					return err
				}
				scripts = append(scripts, sc)
			}

			return a.withStore(func(db *store.BoltStore) error {
				for _, sc := range scripts {
					blob, err := a.codec.Compress(sc.Source, flags, true)
					if err != nil {
						return fmt.Errorf("%s: %w", sc.Name(), err)
					}
					if err := db.PutScript(&store.ArchivedScript{
						Name:       sc.Name(),
						Title:      sc.Meta.Title,
						Version:    sc.Meta.Version,
						Latest:     sc.Meta.Latest,
						Role:       sc.Meta.Role,
						VersionVar: sc.Meta.VersionVar,
						Encoding:   flags.String(),
						Blob:       blob,
						Size:       len(sc.Source),
					}); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "archived %s (%d -> %d bytes)\n", sc.Name(), len(sc.Source), len(blob))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "transforms to apply (default from config)")
	return cmd
}

func newArchiveListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archived scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(func(db *store.BoltStore) error {
				list, err := db.ListScripts()
				if err != nil {
					return err
				}
				var buf bytes.Buffer
				table := tablewriter.NewWriter(&buf)
				table.SetHeader([]string{"Name", "Version", "Encoding", "Size", "Archived"})
				table.SetBorder(false)
				table.SetCenterSeparator("")
				for _, s := range list {
					table.Append([]string{
						s.Name,
						s.Version,
						s.Encoding,
						strconv.Itoa(s.Size),
						s.ArchivedAt.Format("2006-01-02 15:04"),
					})
				}
				table.Render()
				_, err = io.Copy(cmd.OutOrStdout(), &buf)
				return err
			})
		},
	}
}

func newArchiveRestoreCmd(a *app) *cobra.Command {
	var encoding string
	cmd := &cobra.Command{
		Use:   "restore <name>",
		Short: "Write an archived script back into the library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(db *store.BoltStore) error {
				arch, err := db.GetScript(args[0])
				if err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				text, _, err := a.codec.Decode(arch.Blob, true)
				if err != nil {
					return fmt.Errorf("%s: %w", arch.Name, err)
				}
				flags, err := codec.ParseFlags(encoding)
				if err != nil {
					return err
				}

				sc := &script.Script{
					Meta: script.Meta{
						Name:       arch.Name,
						Title:      arch.Title,
						Version:    arch.Version,
						Latest:     arch.Latest,
						Role:       arch.Role,
						VersionVar: arch.VersionVar,
					},
					Source:   text,
					Encoding: flags,
				}
				if _, err := a.lib.Save(sc); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s to %s\n", arch.Name, sc.FilePath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&encoding, "encoding", "none", "transforms applied to the restored file body")
	return cmd
}

func newReportCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "report <serial>",
		Short: "Show the last stored firmware report of an instrument",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(db *store.BoltStore) error {
				r, err := db.GetReport(args[0])
				if err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}
				out := cmd.OutOrStdout()
				if asJSON {
					_, err := fmt.Fprintf(out, "%s\n", r.Info)
					return err
				}
				info, err := firmware.ParseInfo(r.Info)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Node: %s\nReported: %s\n", r.Node, r.ReportedAt.Format("2006-01-02 15:04:05"))
				fmt.Fprintln(out, info.Report())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the stored JSON")
	return cmd
}

func readInput(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

func writeOutput(stdout io.Writer, path, text string) error {
	if path == "" {
		_, err := io.WriteString(stdout, text)
		return err
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
