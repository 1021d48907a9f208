package modbus

import "sort"

// maxWindowRegisters caps how many registers one read command spans,
// mirroring the PDU limit a Modbus read response can carry (roughly
// 125 holding registers per the protocol's 253-byte data ceiling).
const maxWindowRegisters = 120

// tagPoint pairs a tag name with its resolved Modbus coordinates and
// register width.
type tagPoint struct {
	name string
	pt   point
	regs int
}

// window is one batched read command: every tag in tags is covered by
// [start, start+length) registers of the same slave and area.
type window struct {
	slaveID uint8
	area    area
	start   uint16
	length  uint16
	tags    []tagPoint
}

// groupWindows partitions points into contiguous register windows per
// (slaveID, area), the same logical-continuity grouping
// other_examples' gomodbus poller applies before issuing a batch of
// reads, so adjacent tags share one device round trip instead of one
// each.
func groupWindows(points []tagPoint) []window {
	bySlaveArea := make(map[[2]int][]tagPoint)
	for _, p := range points {
		key := [2]int{int(p.pt.slaveID), int(p.pt.area)}
		bySlaveArea[key] = append(bySlaveArea[key], p)
	}

	var windows []window
	for key, pts := range bySlaveArea {
		sort.Slice(pts, func(i, j int) bool { return pts[i].pt.offset < pts[j].pt.offset })

		var cur *window
		for _, p := range pts {
			end := p.pt.offset + uint16(p.regs)
			if cur != nil && p.pt.offset <= cur.start+cur.length && end-cur.start <= maxWindowRegisters {
				if end > cur.start+cur.length {
					cur.length = end - cur.start
				}
				cur.tags = append(cur.tags, p)
				continue
			}
			windows = append(windows, window{
				slaveID: uint8(key[0]),
				area:    area(key[1]),
				start:   p.pt.offset,
				length:  uint16(p.regs),
				tags:    []tagPoint{p},
			})
			cur = &windows[len(windows)-1]
		}
	}
	return windows
}
