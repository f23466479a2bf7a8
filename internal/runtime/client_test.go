// Copyright 2025 Tom Barlow
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

package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvSlice(t *testing.T) {
	env := map[string]string{
		"MQTT_HOST":     "172.17.0.1",
		"SECRET_KEY":    "abc",
		"INFLUXDB_PORT": "8086",
	}

	got := envSlice(env)

	assert.Equal(t, []string{
		"INFLUXDB_PORT=8086",
		"MQTT_HOST=172.17.0.1",
		"SECRET_KEY=abc",
	}, got)
}

func TestEnvSlice_Empty(t *testing.T) {
	assert.Empty(t, envSlice(nil))
	assert.Empty(t, envSlice(map[string]string{}))
}
