package kvm

import "fmt"

const kvmCheckExtension = 0x03

// Capability identifies an optional KVM feature queryable with
// CheckExtension. Values follow the KVM_CAP_* enumeration in
// linux/kvm.h.
type Capability uintptr

const (
	CapIRQChip                 Capability = 0
	CapUserMemory              Capability = 3
	CapSetTSSAddr              Capability = 4
	CapVAPIC                   Capability = 6
	CapEXTCPUID                Capability = 7
	CapNRMemSlots              Capability = 10
	CapMPState                 Capability = 14
	CapCoalescedMMIO           Capability = 15
	CapIOMMU                   Capability = 18
	CapUserNMI                 Capability = 22
	CapSetGuestDebug           Capability = 23
	CapReinjectControl         Capability = 24
	CapIRQRouting              Capability = 25
	CapMCE                     Capability = 31
	CapIRQFD                   Capability = 32
	CapPIT2                    Capability = 33
	CapSetBootCPUID            Capability = 34
	CapPITState2               Capability = 35
	CapIOEventFD               Capability = 36
	CapAdjustClock             Capability = 39
	CapVCPUEvents              Capability = 41
	CapINTRShadow              Capability = 49
	CapDebugRegs               Capability = 50
	CapEnableCap               Capability = 54
	CapXSave                   Capability = 55
	CapXCRS                    Capability = 56
	CapTSCControl              Capability = 60
	CapONEREG                  Capability = 70
	CapKVMClockCtrl            Capability = 76
	CapSignalMSI               Capability = 77
	CapDeviceCtrl              Capability = 89
	CapEXTEmulCPUID            Capability = 95
	CapVMAttributes            Capability = 101
	CapSysAttributes           Capability = 209
	CapX86SMM                  Capability = 117
	CapX86DisableExits         Capability = 143
	CapGETMSRFeatures          Capability = 153
	CapSREGS2                  Capability = 200
	CapCoalescedPIO            Capability = 162
	CapNestedState             Capability = 157
	CapManualDirtyLogProtect2  Capability = 168
	CapPMUEventFilter          Capability = 173
	CapX86UserSpaceMSR         Capability = 188
	CapX86MSRFilter            Capability = 189
	CapX86BusLockExit          Capability = 193
	CapBinaryStatsFD           Capability = 203
	CapXSave2                  Capability = 208
	CapVMTSCControl            Capability = 214
	CapX86TripleFaultEvent     Capability = 218
	CapX86NotifyVMExit         Capability = 219
)

var capabilityNames = map[Capability]string{
	CapIRQChip:                "CapIRQChip",
	CapUserMemory:             "CapUserMemory",
	CapSetTSSAddr:             "CapSetTSSAddr",
	CapVAPIC:                  "CapVAPIC",
	CapEXTCPUID:               "CapEXTCPUID",
	CapNRMemSlots:             "CapNRMemSlots",
	CapMPState:                "CapMPState",
	CapCoalescedMMIO:          "CapCoalescedMMIO",
	CapIOMMU:                  "CapIOMMU",
	CapUserNMI:                "CapUserNMI",
	CapSetGuestDebug:          "CapSetGuestDebug",
	CapReinjectControl:        "CapReinjectControl",
	CapIRQRouting:             "CapIRQRouting",
	CapMCE:                    "CapMCE",
	CapIRQFD:                  "CapIRQFD",
	CapPIT2:                   "CapPIT2",
	CapSetBootCPUID:           "CapSetBootCPUID",
	CapPITState2:              "CapPITState2",
	CapIOEventFD:              "CapIOEventFD",
	CapAdjustClock:            "CapAdjustClock",
	CapVCPUEvents:             "CapVCPUEvents",
	CapINTRShadow:             "CapINTRShadow",
	CapDebugRegs:              "CapDebugRegs",
	CapEnableCap:              "CapEnableCap",
	CapXSave:                  "CapXSave",
	CapXCRS:                   "CapXCRS",
	CapTSCControl:             "CapTSCControl",
	CapONEREG:                 "CapONEREG",
	CapKVMClockCtrl:           "CapKVMClockCtrl",
	CapSignalMSI:              "CapSignalMSI",
	CapDeviceCtrl:             "CapDeviceCtrl",
	CapEXTEmulCPUID:           "CapEXTEmulCPUID",
	CapVMAttributes:           "CapVMAttributes",
	CapSysAttributes:          "CapSysAttributes",
	CapX86SMM:                 "CapX86SMM",
	CapX86DisableExits:        "CapX86DisableExits",
	CapGETMSRFeatures:         "CapGETMSRFeatures",
	CapSREGS2:                 "CapSREGS2",
	CapCoalescedPIO:           "CapCoalescedPIO",
	CapNestedState:            "CapNestedState",
	CapManualDirtyLogProtect2: "CapManualDirtyLogProtect2",
	CapPMUEventFilter:         "CapPMUEventFilter",
	CapX86UserSpaceMSR:        "CapX86UserSpaceMSR",
	CapX86MSRFilter:           "CapX86MSRFilter",
	CapX86BusLockExit:         "CapX86BusLockExit",
	CapBinaryStatsFD:          "CapBinaryStatsFD",
	CapXSave2:                 "CapXSave2",
	CapVMTSCControl:           "CapVMTSCControl",
	CapX86TripleFaultEvent:    "CapX86TripleFaultEvent",
	CapX86NotifyVMExit:        "CapX86NotifyVMExit",
}

// String renders a Capability the way stringer would, falling back to
// "Capability(N)" for a value with no name.
func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Capability(%d)", uintptr(c))
}

// CheckExtension reports the support level for cap: zero means
// unsupported, a positive value's meaning is capability-specific
// (often just a boolean, sometimes a count or bitmask).
func CheckExtension(fd uintptr, cap Capability) (uintptr, error) {
	return Ioctl(fd, IIO(kvmCheckExtension), uintptr(cap))
}
