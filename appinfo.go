// Copyright 2026 The Human Passport Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package keycard

import (
	"fmt"
	"strings"

	"github.com/moov-io/bertlv"
)

// BER-TLV templates and tags in the keycard firmware's SELECT and
// GET STATUS responses.
const (
	tagAppTemplate    = "A4" // SELECT response wrapper
	tagStatusTemplate = "A3" // GET STATUS response wrapper
	tagInstanceUID    = "8F"
	tagCardPublicKey  = "80"
	tagVersion        = "02"
	tagPINRetries     = "C0"
	tagPUKRetries     = "C1"
	tagLocked         = "C2"
)

// ApplicationInfo is the parsed SELECT response of the keycard applet.
type ApplicationInfo struct {
	InstanceUID []byte
	// PublicKey is the card's identity key in uncompressed SEC1 form.
	// It is not a wallet key; wallet keys are derived per path.
	PublicKey []byte
	Version   string
	Status    CardStatus
}

// parseApplicationInfo decodes the SELECT response template. An
// unparseable or missing template means the selected application is not
// a keycard applet.
func parseApplicationInfo(data []byte) (*ApplicationInfo, error) {
	children, err := decodeTemplate(data, tagAppTemplate)
	if err != nil {
		return nil, err
	}

	info := &ApplicationInfo{}
	for _, child := range children {
		switch strings.ToUpper(child.Tag) {
		case tagInstanceUID:
			info.InstanceUID = child.Value
		case tagCardPublicKey:
			info.PublicKey = child.Value
		case tagVersion:
			info.Version = versionString(child.Value)
			info.Status.FirmwareVersion = info.Version
		case tagPINRetries:
			info.Status.PINRetries = tlvByte(child.Value)
		case tagPUKRetries:
			info.Status.PUKRetries = tlvByte(child.Value)
		}
	}
	info.Status.Locked = info.Status.PINRetries == 0

	if len(info.InstanceUID) == 0 {
		return nil, NewProtocolError("app-template", "missing instance UID")
	}
	return info, nil
}

// parseCardStatus decodes the GET STATUS response template.
func parseCardStatus(data []byte) (CardStatus, error) {
	children, err := decodeTemplate(data, tagStatusTemplate)
	if err != nil {
		return CardStatus{}, err
	}

	var status CardStatus
	for _, child := range children {
		switch strings.ToUpper(child.Tag) {
		case tagPINRetries:
			status.PINRetries = tlvByte(child.Value)
		case tagPUKRetries:
			status.PUKRetries = tlvByte(child.Value)
		case tagLocked:
			status.Locked = tlvByte(child.Value) != 0
		case tagVersion:
			status.FirmwareVersion = versionString(child.Value)
		}
	}
	return status, nil
}

// decodeTemplate finds the named constructed tag and returns its
// children, decoding the template value when the decoder left it flat.
func decodeTemplate(data []byte, template string) ([]bertlv.TLV, error) {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, NewProtocolError("tlv-decode", err.Error())
	}

	for _, p := range packets {
		if !strings.EqualFold(p.Tag, template) {
			continue
		}
		if len(p.TLVs) > 0 {
			return p.TLVs, nil
		}
		children, err := bertlv.Decode(p.Value)
		if err != nil {
			return nil, NewProtocolError("tlv-decode", err.Error())
		}
		return children, nil
	}

	return nil, NewProtocolError("tlv-template", fmt.Sprintf("template %s not found", template))
}

func versionString(value []byte) string {
	if len(value) < 2 {
		return ""
	}
	return fmt.Sprintf("%d.%d", value[0], value[1])
}

func tlvByte(value []byte) int {
	if len(value) == 0 {
		return 0
	}
	return int(value[0])
}
