package main

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	v1 "github.com/loopholelabs/vmsnap/internal/api/http/v1"
	"github.com/loopholelabs/vmsnap/pkg/snapshot"
	"github.com/loopholelabs/vmsnap/pkg/vmm"
	"github.com/muesli/gotable"
)

func describe(path string) error {
	info, err := snapshot.Describe(path)
	if err != nil {
		return err
	}

	state, _, err := snapshot.ReadFile(path)
	if err != nil {
		return err
	}

	tab := gotable.NewTable([]string{"Field", "Value"}, []int64{-16, -40}, "No data in table.")
	tab.AppendRow([]interface{}{"Version", info.Version.String()})
	tab.AppendRow([]interface{}{"Size", units.BytesSize(float64(info.Size))})
	tab.AppendRow([]interface{}{"Snapshot ID", state.Machine.SnapshotID})
	tab.AppendRow([]interface{}{"Parent ID", state.Machine.ParentID})
	tab.AppendRow([]interface{}{"VM ID", state.Machine.ID})
	tab.AppendRow([]interface{}{"App", state.Machine.AppName})
	tab.AppendRow([]interface{}{"VMM version", state.Machine.VMMVersion})
	tab.AppendRow([]interface{}{"vCPUs", fmt.Sprintf("%d", len(state.VCPUs))})
	tab.AppendRow([]interface{}{"Memory", units.BytesSize(float64(state.Memory.TotalSize()))})
	tab.AppendRow([]interface{}{"Dirty tracking", fmt.Sprintf("%v", state.Machine.TrackDirtyPages)})
	tab.Print()

	fmt.Printf("\n")

	regions := gotable.NewTable([]string{"Region", "Guest addr", "Size", "File offset", "Page size"}, []int64{-8, 18, 10, 18, 10}, "No data in table.")
	for i, r := range state.Memory {
		regions.AppendRow([]interface{}{
			fmt.Sprintf("%d", i),
			fmt.Sprintf("%#x", r.GuestPhysAddr),
			units.BytesSize(float64(r.Size)),
			fmt.Sprintf("%#x", r.Offset),
			units.BytesSize(float64(r.PageSize)),
		})
	}
	regions.Print()

	fmt.Printf("\n")

	devs := gotable.NewTable([]string{"Device", "Kind", "Version", "State"}, []int64{-16, -20, 8, 10}, "No data in table.")
	for _, d := range state.Devices {
		devs.AppendRow([]interface{}{
			d.ID,
			string(d.Kind),
			fmt.Sprintf("%d", d.Version),
			units.BytesSize(float64(len(d.Payload))),
		})
	}
	devs.Print()

	return nil
}

func printMemoryInfo(info v1.MemoryInfo) {
	tab := gotable.NewTable([]string{"Guest addr", "Size", "Resident", "Empty", "Dirty"}, []int64{-18, 10, 10, 10, 10}, "No data in table.")
	for _, r := range info.Regions {
		tab.AppendRow([]interface{}{
			fmt.Sprintf("%#x", r.GuestPhysAddr),
			units.BytesSize(float64(r.Size)),
			units.BytesSize(float64(r.ResidentPages * r.PageSize)),
			units.BytesSize(float64(r.EmptyPages * r.PageSize)),
			units.BytesSize(float64(r.DirtyPages * r.PageSize)),
		})
	}
	tab.Print()

	fmt.Printf("\n")
}

func printSaveResponse(res *vmm.SaveResponse) {
	tab := gotable.NewTable([]string{"Snapshot", "Parent", "Type", "Version", "Pages", "Written", "Duration"}, []int64{-36, -36, 6, 8, 8, 10, 10}, "No data in table.")
	tab.AppendRow([]interface{}{
		res.SnapshotID,
		res.ParentID,
		string(res.EffectiveType),
		res.Version,
		fmt.Sprintf("%d", res.Memory.PagesWritten),
		units.BytesSize(float64(res.Memory.BytesWritten)),
		res.Duration.Round(time.Millisecond).String(),
	})
	tab.Print()
}
