// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "list the VMBus channels a running daemon has published",
	Long:  "channels reads the device node directory a running talos-vmbusd run published under and prints the offers it found there. It talks to the filesystem, not to the daemon, so it works whether or not the daemon that published the nodes is still alive",
	RunE:  listChannels,
}

func init() {
	rootCmd.AddCommand(channelsCmd)
}

type channelAttrs struct {
	bus, prettyName, channelID, typeUUID, instanceUUID string
}

func readChannelAttrs(dir string) (channelAttrs, error) {
	var attrs channelAttrs

	fields := map[string]*string{
		"bus":           &attrs.bus,
		"pretty_name":   &attrs.prettyName,
		"channel_id":    &attrs.channelID,
		"type_uuid":     &attrs.typeUUID,
		"instance_uuid": &attrs.instanceUUID,
	}

	for name, dst := range fields {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return attrs, err
		}
		*dst = strings.TrimSpace(string(b))
	}

	return attrs, nil
}

func listChannels(cmd *cobra.Command, _ []string) error {
	root := viper.GetString(flagNodeRoot)

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(cmd.OutOrStdout(), "no channels published under %s\n", root)

			return nil
		}

		return fmt.Errorf("reading %s: %w", root, err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "channel-") {
			dirs = append(dirs, e.Name())
		}
	}
	// channel-N directory names must sort by N numerically, not
	// lexicographically, or channel-10 would print before channel-2.
	sort.Slice(dirs, func(i, j int) bool {
		ni, _ := strconv.Atoi(strings.TrimPrefix(dirs[i], "channel-"))
		nj, _ := strconv.Atoi(strings.TrimPrefix(dirs[j], "channel-"))
		return ni < nj
	})

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush() //nolint:errcheck

	fmt.Fprintln(w, "CHANNEL ID\tBUS\tTYPE UUID\tINSTANCE UUID\tNAME")

	for _, name := range dirs {
		attrs, err := readChannelAttrs(filepath.Join(root, name))
		if err != nil {
			logger.Warn("skipping unreadable channel node", "dir", name, "err", err)

			continue
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", attrs.channelID, attrs.bus, attrs.typeUUID, attrs.instanceUUID, attrs.prettyName)
	}

	return nil
}
