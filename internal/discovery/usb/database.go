// internal/discovery/usb/database.go
package usb

import "strings"

// AdapterInfo describes a USB-serial bridge chip
type AdapterInfo struct {
	Name string
	// Arduino is set for boards that reset when DTR toggles.
	Arduino    bool
	Confidence float64
}

// DeviceDatabase contains the USB-serial adapters lab hardware ships with.
// Lookups use upper-case hex IDs as reported by the port enumerator.
type DeviceDatabase struct {
	adapters map[string]*AdapterInfo
}

// NewDeviceDatabase creates and initializes the adapter database
func NewDeviceDatabase() *DeviceDatabase {
	db := &DeviceDatabase{adapters: make(map[string]*AdapterInfo)}
	db.initializeDatabase()
	return db
}

func (db *DeviceDatabase) initializeDatabase() {
	// WCH CH340, found on Nano clones used in FETboxes
	db.add("1A86", "7523", &AdapterInfo{Name: "CH340", Arduino: true, Confidence: 0.8})
	db.add("1A86", "5523", &AdapterInfo{Name: "CH341", Confidence: 0.6})

	// Arduino SA
	db.add("2341", "0043", &AdapterInfo{Name: "Arduino Uno", Arduino: true, Confidence: 0.9})
	db.add("2341", "0001", &AdapterInfo{Name: "Arduino Uno", Arduino: true, Confidence: 0.9})
	db.add("2341", "0042", &AdapterInfo{Name: "Arduino Mega 2560", Arduino: true, Confidence: 0.9})

	// FTDI, common on RS-232 cables for Ismatec pumps
	db.add("0403", "6001", &AdapterInfo{Name: "FT232R", Confidence: 0.7})
	db.add("0403", "6015", &AdapterInfo{Name: "FT231X", Confidence: 0.7})

	// Prolific
	db.add("067B", "2303", &AdapterInfo{Name: "PL2303", Confidence: 0.7})

	// Silicon Labs
	db.add("10C4", "EA60", &AdapterInfo{Name: "CP210x", Confidence: 0.7})
}

func (db *DeviceDatabase) add(vid, pid string, info *AdapterInfo) {
	db.adapters[key(vid, pid)] = info
}

// Lookup returns the adapter for a VID/PID pair
func (db *DeviceDatabase) Lookup(vid, pid string) (*AdapterInfo, bool) {
	info, ok := db.adapters[key(vid, pid)]
	return info, ok
}

// IsKnown reports whether a VID/PID pair is a known adapter
func (db *DeviceDatabase) IsKnown(vid, pid string) bool {
	_, ok := db.Lookup(vid, pid)
	return ok
}

func key(vid, pid string) string {
	return strings.ToUpper(vid) + ":" + strings.ToUpper(pid)
}
