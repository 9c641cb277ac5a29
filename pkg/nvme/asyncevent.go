// Copyright 2024 iXsystems, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nvme

import "fmt"

// AsyncEventType is bits 2:0 of an AEN completion dword 0.
type AsyncEventType uint8

const (
	AsyncEventError       AsyncEventType = 0x0
	AsyncEventSmartHealth AsyncEventType = 0x1
	AsyncEventNotice      AsyncEventType = 0x2
	AsyncEventImmediate   AsyncEventType = 0x3
	AsyncEventIoSpecific  AsyncEventType = 0x6
	AsyncEventVendor      AsyncEventType = 0x7
)

// Notice event information codes.
const (
	AenNoticeNamespaceChanged   uint8 = 0x00
	AenNoticeFirmwareActivation uint8 = 0x01
	AenNoticeTelemetryChanged   uint8 = 0x02
	AenNoticeAnaChange          uint8 = 0x03
	AenNoticeDiscoveryLogChange uint8 = 0xf0
)

// AsyncEvent is a decoded Asynchronous Event Request completion.
type AsyncEvent struct {
	Type        AsyncEventType
	Info        uint8
	LogPageID   uint8
	Raw         uint32
	Description string
}

// IsNotice reports whether the event belongs to the Notice class.
func (e *AsyncEvent) IsNotice() bool {
	return e.Type == AsyncEventNotice
}

// DecodeAsyncEvent interprets dword 0 of an AEN completion: event type in
// bits 2:0, event information in bits 15:8, log page id in bits 23:16.
func DecodeAsyncEvent(dw0 uint32) *AsyncEvent {
	event := &AsyncEvent{
		Type:      AsyncEventType(dw0 & 0x7),
		Info:      uint8(dw0 >> 8),
		LogPageID: uint8(dw0 >> 16),
		Raw:       dw0,
	}
	event.Description = describeAsyncEvent(event)
	return event
}

func describeAsyncEvent(e *AsyncEvent) string {
	switch e.Type {
	case AsyncEventError:
		return fmt.Sprintf("error status event (info %#02x, log page %#02x)", e.Info, e.LogPageID)
	case AsyncEventSmartHealth:
		switch e.Info {
		case 0x00:
			return "smart/health: NVM subsystem reliability"
		case 0x01:
			return "smart/health: temperature threshold"
		case 0x02:
			return "smart/health: spare capacity below threshold"
		}
		return fmt.Sprintf("smart/health event (info %#02x)", e.Info)
	case AsyncEventNotice:
		switch e.Info {
		case AenNoticeNamespaceChanged:
			return "notice: namespace attribute changed"
		case AenNoticeFirmwareActivation:
			return "notice: firmware activation starting"
		case AenNoticeTelemetryChanged:
			return "notice: telemetry log changed"
		case AenNoticeAnaChange:
			return "notice: asymmetric namespace access change"
		case AenNoticeDiscoveryLogChange:
			return "notice: discovery log page changed"
		}
		return fmt.Sprintf("notice event (info %#02x, log page %#02x)", e.Info, e.LogPageID)
	case AsyncEventImmediate:
		return fmt.Sprintf("immediate event (info %#02x)", e.Info)
	case AsyncEventIoSpecific:
		return fmt.Sprintf("i/o command set specific event (info %#02x)", e.Info)
	case AsyncEventVendor:
		return fmt.Sprintf("vendor specific event (info %#02x, log page %#02x)", e.Info, e.LogPageID)
	}
	return fmt.Sprintf("unknown event type %d (info %#02x, log page %#02x)", e.Type, e.Info, e.LogPageID)
}
